package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskPendingApproval TaskStatus = "pending_approval"
	TaskActive          TaskStatus = "active"
	TaskPaused          TaskStatus = "paused"
	TaskCompleted       TaskStatus = "completed"
	TaskCancelled       TaskStatus = "cancelled"
	TaskRejected        TaskStatus = "rejected"
)

// Open reports whether the task still holds escrowed funds that may be
// released or refunded.
func (s TaskStatus) Open() bool {
	switch s {
	case TaskPendingApproval, TaskActive, TaskPaused:
		return true
	}
	return false
}

type ProofType string

const (
	ProofText       ProofType = "text"
	ProofImage      ProofType = "image"
	ProofLink       ProofType = "link"
	ProofScreenshot ProofType = "screenshot"
)

func (p ProofType) Valid() bool {
	switch p {
	case ProofText, ProofImage, ProofLink, ProofScreenshot:
		return true
	}
	return false
}

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

type Task struct {
	ID                 uuid.UUID       `json:"id"`
	CreatorID          uuid.UUID       `json:"creatorId"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Instructions       string          `json:"instructions"`
	ProofType          ProofType       `json:"proofType"`
	RewardPerUser      decimal.Decimal `json:"rewardPerUser"`
	MaxCompletions     int             `json:"maxCompletions"`
	CurrentCompletions int             `json:"currentCompletions"`
	TotalBudget        decimal.Decimal `json:"totalBudget"`
	Status             TaskStatus      `json:"status"`
	RejectionReason    *string         `json:"rejectionReason,omitempty"`
	ExpiresAt          *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

type Submission struct {
	ID              uuid.UUID        `json:"id"`
	TaskID          uuid.UUID        `json:"taskId"`
	WorkerID        uuid.UUID        `json:"workerId"`
	ProofText       *string          `json:"proofText,omitempty"`
	ProofURL        *string          `json:"proofUrl,omitempty"`
	Status          SubmissionStatus `json:"status"`
	RejectionReason *string          `json:"rejectionReason,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}
