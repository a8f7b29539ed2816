package dto

import "time"

type CreateStoreReq struct {
	Name        string `json:"name" binding:"required,max=100"`
	DisplayName string `json:"display_name" binding:"required,max=255"`
}

type UpdateStoreReq struct {
	DisplayName string `json:"display_name" binding:"required,max=255"`
}

type StoreResp struct {
	ID           uint      `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	RagStoreName string    `json:"rag_store_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
