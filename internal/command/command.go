// Package command turns control-plane envelopes into scheduler, kill
// switch and recovery actions, and answers each one with an ack.
package command

import (
	"encoding/json"
	"time"
)

// Type identifies a command envelope
type Type string

const (
	TypeStartStrategy   Type = "START_STRATEGY"
	TypeStopStrategy    Type = "STOP_STRATEGY"
	TypePauseStrategy   Type = "PAUSE_STRATEGY"
	TypeResumeStrategy  Type = "RESUME_STRATEGY"
	TypeUpdateStrategy  Type = "UPDATE_STRATEGY"
	TypePing            Type = "PING"
	TypeKillSwitch      Type = "KILL_SWITCH"
	TypeResetKillSwitch Type = "RESET_KILL_SWITCH"
	TypeConfirmRecovery Type = "CONFIRM_RECOVERY"
)

// Command is the envelope the control plane sends. Field names follow
// the wire protocol, not local convention.
type Command struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	StrategyID string          `json:"strategyId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

// StatusValue is the outcome class of a processed command
type StatusValue string

const (
	StatusExecuted StatusValue = "executed"
	StatusFailed   StatusValue = "failed"
	StatusRejected StatusValue = "rejected"
)

// Rejection reasons reported in acks
const (
	RejectUnsupported      = "Unsupported"
	RejectConflictingState = "ConflictingState"
	RejectExpired          = "Expired"
	RejectRecoveryPending  = "RecoveryPending"
	RejectAlreadyRunning   = "AlreadyRunning"
	RejectUnknownStrategy  = "UnknownStrategy"
	RejectInvalidPayload   = "InvalidPayload"
	RejectCooldownActive   = "CooldownActive"
	RejectNotActive        = "NotActive"
	RejectInvalidStrategy  = "InvalidStrategy"
)

// Ack answers one command
type Ack struct {
	CommandID string                 `json:"commandId"`
	Status    StatusValue            `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func executed(id string, result map[string]interface{}) Ack {
	return Ack{CommandID: id, Status: StatusExecuted, Result: result, Timestamp: time.Now().UTC()}
}

func failed(id string, err error) Ack {
	return Ack{CommandID: id, Status: StatusFailed, Error: err.Error(), Timestamp: time.Now().UTC()}
}

func rejected(id, reason, detail string) Ack {
	ack := Ack{
		CommandID: id,
		Status:    StatusRejected,
		Result:    map[string]interface{}{"reason": reason},
		Error:     detail,
		Timestamp: time.Now().UTC(),
	}
	return ack
}
