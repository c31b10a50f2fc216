package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/recovery"
	"forex-executor/internal/scheduler"
	"forex-executor/internal/strategy"
)

// Processor executes command envelopes. It never touches positions
// itself; stopping a strategy leaves its trades under exit management.
type Processor struct {
	scheduler  *scheduler.Scheduler
	killSwitch *killswitch.Switch
	recovery   *recovery.Manager
	client     bridge.Client
	logger     zerolog.Logger
}

// NewProcessor creates a command processor
func NewProcessor(sched *scheduler.Scheduler, ks *killswitch.Switch, rec *recovery.Manager, client bridge.Client, logger zerolog.Logger) *Processor {
	return &Processor{
		scheduler:  sched,
		killSwitch: ks,
		recovery:   rec,
		client:     client,
		logger:     logger.With().Str("component", "CommandProcessor").Logger(),
	}
}

// Execute processes one command and returns its ack. Unknown types are
// rejected as unsupported so a newer control plane cannot wedge an
// older executor.
func (p *Processor) Execute(cmd Command) Ack {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	p.logger.Info().Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Str("strategy", cmd.StrategyID).Msg("Command received")

	if cmd.ExpiresAt != nil && time.Now().After(*cmd.ExpiresAt) {
		return p.done(cmd, rejected(cmd.ID, RejectExpired, fmt.Sprintf("command expired at %s", cmd.ExpiresAt.Format(time.RFC3339))))
	}

	var ack Ack
	switch cmd.Type {
	case TypeStartStrategy:
		ack = p.startStrategy(cmd)
	case TypeStopStrategy:
		ack = p.stopStrategy(cmd)
	case TypePauseStrategy:
		ack = p.mapSchedulerErr(cmd, p.scheduler.Pause(cmd.StrategyID))
	case TypeResumeStrategy:
		ack = p.mapSchedulerErr(cmd, p.scheduler.Resume(cmd.StrategyID))
	case TypeUpdateStrategy:
		ack = p.updateStrategy(cmd)
	case TypePing:
		ack = p.ping(cmd)
	case TypeKillSwitch:
		ack = p.activateKillSwitch(cmd)
	case TypeResetKillSwitch:
		ack = p.resetKillSwitch(cmd)
	case TypeConfirmRecovery:
		ack = p.confirmRecovery(cmd)
	default:
		ack = rejected(cmd.ID, RejectUnsupported, fmt.Sprintf("unknown command type %q", cmd.Type))
	}
	return p.done(cmd, ack)
}

func (p *Processor) done(cmd Command, ack Ack) Ack {
	evt := p.logger.Info()
	if ack.Status != StatusExecuted {
		evt = p.logger.Warn()
	}
	evt.Str("command_id", cmd.ID).Str("type", string(cmd.Type)).Str("status", string(ack.Status)).Str("error", ack.Error).Msg("Command processed")
	return ack
}

// ping answers a liveness probe. The account snapshot rides along so the
// control plane gets a broker-level health view from a bare PING.
func (p *Processor) ping(cmd Command) Ack {
	result := map[string]interface{}{"pong": true, "time": time.Now().UTC()}
	if p.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if account, err := p.client.GetAccount(ctx); err == nil {
			result["account"] = account
		} else {
			result["accountError"] = err.Error()
		}
	}
	return executed(cmd.ID, result)
}

// startStrategy loads the definition carried in the payload, if any,
// then starts it. A crash recovery awaiting confirmation blocks starts.
func (p *Processor) startStrategy(cmd Command) Ack {
	if p.recovery != nil && p.recovery.RequiresConfirmation() {
		return rejected(cmd.ID, RejectRecoveryPending, "crash recovery awaits operator confirmation")
	}

	id := cmd.StrategyID
	if len(cmd.Payload) > 0 {
		def, err := parseStrategy(cmd.Payload, cmd.StrategyID)
		if err != nil {
			return rejected(cmd.ID, RejectInvalidPayload, err.Error())
		}
		id = def.ID
		if err := p.scheduler.Load(def); err != nil {
			return p.schedulerReject(cmd, err)
		}
	}
	if id == "" {
		return rejected(cmd.ID, RejectInvalidPayload, "strategyId or payload required")
	}
	if err := p.scheduler.Start(id); err != nil {
		return p.schedulerReject(cmd, err)
	}
	return executed(cmd.ID, map[string]interface{}{"strategyId": id, "state": string(scheduler.StateRunning)})
}

// stopStrategy is idempotent: stopping an already stopped strategy
// still acks as executed. Open positions are not touched.
func (p *Processor) stopStrategy(cmd Command) Ack {
	if err := p.scheduler.Stop(cmd.StrategyID); err != nil {
		return p.schedulerReject(cmd, err)
	}
	return executed(cmd.ID, map[string]interface{}{"strategyId": cmd.StrategyID, "state": string(scheduler.StateStopped)})
}

func (p *Processor) updateStrategy(cmd Command) Ack {
	if len(cmd.Payload) == 0 {
		return rejected(cmd.ID, RejectInvalidPayload, "update requires a strategy payload")
	}
	def, err := parseStrategy(cmd.Payload, cmd.StrategyID)
	if err != nil {
		return rejected(cmd.ID, RejectInvalidPayload, err.Error())
	}
	id := cmd.StrategyID
	if id == "" {
		id = def.ID
	}
	if err := p.scheduler.Update(id, def); err != nil {
		return p.schedulerReject(cmd, err)
	}
	return executed(cmd.ID, map[string]interface{}{"strategyId": id})
}

func (p *Processor) activateKillSwitch(cmd Command) Ack {
	var payload struct {
		Reason   string `json:"reason"`
		Severity string `json:"severity"`
	}
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
			return rejected(cmd.ID, RejectInvalidPayload, err.Error())
		}
	}
	if payload.Reason == "" {
		payload.Reason = "remote kill switch command"
	}
	activated := p.killSwitch.Activate(payload.Reason, killswitch.SourceManual, payload.Severity)
	return executed(cmd.ID, map[string]interface{}{"activated": activated, "already_active": !activated})
}

func (p *Processor) resetKillSwitch(cmd Command) Ack {
	err := p.killSwitch.Reset("remote command " + cmd.ID)
	switch {
	case errors.Is(err, killswitch.ErrCooldownActive):
		return rejected(cmd.ID, RejectCooldownActive, err.Error())
	case errors.Is(err, killswitch.ErrNotActive):
		return rejected(cmd.ID, RejectNotActive, err.Error())
	case err != nil:
		return failed(cmd.ID, err)
	}
	return executed(cmd.ID, map[string]interface{}{"reset": true})
}

func (p *Processor) confirmRecovery(cmd Command) Ack {
	if p.recovery == nil {
		return rejected(cmd.ID, RejectNotActive, "recovery manager not configured")
	}
	if err := p.recovery.ConfirmResume("remote command " + cmd.ID); err != nil {
		if errors.Is(err, recovery.ErrNoPendingRecovery) {
			return rejected(cmd.ID, RejectNotActive, err.Error())
		}
		return failed(cmd.ID, err)
	}
	return executed(cmd.ID, map[string]interface{}{"confirmed": true})
}

// mapSchedulerErr wraps a plain scheduler call into an ack
func (p *Processor) mapSchedulerErr(cmd Command, err error) Ack {
	if err != nil {
		return p.schedulerReject(cmd, err)
	}
	return executed(cmd.ID, map[string]interface{}{"strategyId": cmd.StrategyID})
}

// schedulerReject classifies scheduler errors into rejection reasons.
// State conflicts and bad definitions are rejections; anything else is
// a failure.
func (p *Processor) schedulerReject(cmd Command, err error) Ack {
	var cfgErr *strategy.ConfigurationError
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return rejected(cmd.ID, RejectUnknownStrategy, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return rejected(cmd.ID, RejectAlreadyRunning, err.Error())
	case errors.Is(err, scheduler.ErrConflictingState):
		return rejected(cmd.ID, RejectConflictingState, err.Error())
	case errors.Is(err, scheduler.ErrLimitReached):
		return rejected(cmd.ID, RejectConflictingState, err.Error())
	case errors.As(err, &cfgErr):
		return rejected(cmd.ID, RejectInvalidStrategy, err.Error())
	default:
		return failed(cmd.ID, err)
	}
}

// parseStrategy decodes a strategy definition, preferring the envelope
// strategyId over any id inside the payload.
func parseStrategy(payload json.RawMessage, envelopeID string) (strategy.Strategy, error) {
	var def strategy.Strategy
	if err := json.Unmarshal(payload, &def); err != nil {
		return strategy.Strategy{}, fmt.Errorf("decode strategy payload: %w", err)
	}
	if envelopeID != "" {
		def.ID = envelopeID
	}
	if def.ID == "" {
		return strategy.Strategy{}, errors.New("strategy id missing from envelope and payload")
	}
	return def, nil
}
