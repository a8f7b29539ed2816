package dto

import (
	"time"

	"gorm.io/datatypes"
)

type CreateSessionReq struct {
	RagStoreName string `json:"rag_store_name" binding:"required"`
}

type SessionResp struct {
	ID           uint       `json:"id"`
	RagStoreName string     `json:"rag_store_name"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	MessageCount int        `json:"message_count"`
}

type MessageResp struct {
	ID              uint           `json:"id"`
	SessionID       uint           `json:"session_id"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	GroundingChunks datatypes.JSON `json:"grounding_chunks,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type ChatQueryReq struct {
	Message string `json:"message" binding:"required"`
}

type ChatQueryResp struct {
	Message         string      `json:"message"`
	GroundingChunks interface{} `json:"grounding_chunks"`
}
