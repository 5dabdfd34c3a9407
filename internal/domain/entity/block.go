package entity

import "time"

type Block struct {
	ID        string    `json:"id" firestore:"id"`
	BlockerID string    `json:"blocker_id" firestore:"blockerId"`
	BlockedID string    `json:"blocked_id" firestore:"blockedId"`
	Status    string    `json:"status" firestore:"status"`
	CreatedAt time.Time `json:"created_at" firestore:"createdAt,serverTimestamp"`
}
