// Package trading is the order management core. It registers commands as
// durable order records, guards them against conflicting exposure, places
// them through the order watcher and closes positions from the broker's
// live book.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"zerodha-oms/internal/broker"
	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/logging"
	"zerodha-oms/internal/models"
	"zerodha-oms/internal/security"
	"zerodha-oms/internal/store"
)

// Notifier is told about every newly registered CREATED record so dispatch
// does not wait for the next poll.
type Notifier interface {
	Enqueue(commandID string)
}

// RiskChecker is the risk gate as seen by the command service. A non-nil
// error, typically *errors.RiskError, blocks entries and adjustments.
type RiskChecker interface {
	CanExecute(ctx context.Context) error
}

// CommandServiceConfig wires a CommandService.
type CommandServiceConfig struct {
	Store   store.OrderStore
	Guard   *ExecutionGuard
	Gateway broker.Gateway
	Access  *security.AccessController
	Audit   *security.AuditLogger
	// GuardMaxAge forces a guard reconcile before a batch when the guard
	// state is older. Zero reconciles only if it was never built.
	GuardMaxAge time.Duration
}

// CommandService is the single entry point for registering order legs.
// ENTRY and ADJUST legs go through the execution guard; EXIT legs are only
// registered, and only the position exit service and rule exits do that.
type CommandService struct {
	store       store.OrderStore
	guard       *ExecutionGuard
	gateway     broker.Gateway
	access      *security.AccessController
	audit       *security.AuditLogger
	validator   *security.InputValidator
	guardMaxAge time.Duration
	logger      zerolog.Logger

	risk     RiskChecker
	notifier Notifier
}

// NewCommandService creates a command service.
func NewCommandService(cfg CommandServiceConfig, logger zerolog.Logger) *CommandService {
	return &CommandService{
		store:       cfg.Store,
		guard:       cfg.Guard,
		gateway:     cfg.Gateway,
		access:      cfg.Access,
		audit:       cfg.Audit,
		validator:   security.NewInputValidator(false),
		guardMaxAge: cfg.GuardMaxAge,
		logger:      logging.WithComponent(logger, "command"),
	}
}

// AttachRiskGate makes every later entry and adjustment consult r.
func (s *CommandService) AttachRiskGate(r RiskChecker) {
	s.risk = r
}

// SetNotifier registers the dispatcher to nudge on new records.
func (s *CommandService) SetNotifier(n Notifier) {
	s.notifier = n
}

// Submit registers one ENTRY or ADJUST leg. It is SubmitBatch with a batch
// of one.
func (s *CommandService) Submit(ctx context.Context, cmd models.Command, execType models.ExecutionType) (*models.OrderRecord, error) {
	recs, err := s.SubmitBatch(ctx, []models.Command{cmd}, execType)
	if len(recs) == 0 {
		return nil, err
	}
	return &recs[0], err
}

// SubmitBatch registers ENTRY or ADJUST legs that stand or fall together.
// Legs whose command id already exists are returned unchanged and take no
// part in validation, so a retried batch never produces a second order.
//
// A batch refused by the risk gate or the guard is still persisted, every
// new leg FAILED with its block reason, and the returned error is the
// *errors.RiskError or *errors.GuardError. Validation failures persist
// nothing.
func (s *CommandService) SubmitBatch(ctx context.Context, cmds []models.Command, execType models.ExecutionType) ([]models.OrderRecord, error) {
	if execType == models.ExecutionExit {
		return nil, fmt.Errorf("%w: EXIT legs are derived from the position book, use the position exit service", apperrors.ErrForbiddenOperation)
	}
	if !execType.Valid() {
		return nil, apperrors.NewValidationError("execution_type", execType, "must be ENTRY or ADJUST")
	}
	if len(cmds) == 0 {
		return nil, apperrors.NewValidationError("legs", 0, "batch is empty")
	}
	if err := s.access.CheckPermission(ctx, security.OpSubmitOrder); err != nil {
		return nil, err
	}

	var verr error
	seen := make(map[string]bool, len(cmds))
	for _, cmd := range cmds {
		if seen[cmd.CommandID] {
			verr = multierr.Append(verr, apperrors.NewValidationError("command_id", cmd.CommandID, "repeated within batch"))
		}
		seen[cmd.CommandID] = true
		verr = multierr.Append(verr, s.validate(cmd))
	}
	if verr != nil {
		s.audit.LogInputValidation(ctx, "batch", fmt.Sprintf("%d legs", len(cmds)), verr.Error())
		return nil, verr
	}

	out := make([]models.OrderRecord, len(cmds))
	var fresh []int
	for i, cmd := range cmds {
		existing, err := s.store.GetOrder(ctx, cmd.CommandID)
		switch {
		case err == nil:
			out[i] = *existing
		case apperrors.Is(err, apperrors.ErrRecordNotFound):
			fresh = append(fresh, i)
		default:
			return nil, err
		}
	}
	if len(fresh) == 0 {
		s.logger.Debug().Int("legs", len(cmds)).Msg("Batch already registered")
		return out, nil
	}

	if s.risk != nil {
		if err := s.risk.CanExecute(ctx); err != nil {
			reason := RiskBlocked(riskRule(err))
			for _, i := range fresh {
				rec, perr := s.persist(ctx, cmds[i], execType, models.StatusFailed, reason.Tag())
				if perr != nil {
					return nil, perr
				}
				out[i] = *rec
				s.audit.LogOrder(ctx, security.AuditOrderBlocked, rec.CommandID, "", rec.Symbol, rec.Tag, false)
			}
			s.logger.Warn().Err(err).Int("legs", len(fresh)).Msg("Batch blocked by risk gate")
			return out, err
		}
	}

	if err := s.guard.ReconcileIfStale(ctx, s.guardMaxAge); err != nil {
		// Nothing is persisted, so a retry with the same command ids is safe.
		return nil, fmt.Errorf("execution guard unavailable: %w", err)
	}

	legs := make([]ProposedLeg, len(fresh))
	for j, i := range fresh {
		legs[j] = ProposedLeg{
			Strategy:      cmds[i].StrategyName,
			Symbol:        cmds[i].Symbol,
			Side:          cmds[i].Side,
			Quantity:      cmds[i].Quantity,
			ExecutionType: execType,
		}
	}

	var created []string
	err := s.guard.Admit(ctx, legs, func(ctx context.Context, rejected *apperrors.GuardError) error {
		for j, i := range fresh {
			status, tag := models.StatusCreated, ""
			if rejected != nil {
				status, tag = models.StatusFailed, GuardBlocked(DetailBatchRejected).Tag()
				if r, ok := rejected.Rejection(j); ok {
					tag = r.Rule
				}
			}
			rec, err := s.persist(ctx, cmds[i], execType, status, tag)
			if err != nil {
				return err
			}
			out[i] = *rec
			if rec.Status == models.StatusCreated {
				created = append(created, rec.CommandID)
			}
		}
		return nil
	})

	var gerr *apperrors.GuardError
	if apperrors.As(err, &gerr) {
		for _, i := range fresh {
			s.audit.LogOrder(ctx, security.AuditOrderBlocked, out[i].CommandID, "", out[i].Symbol, out[i].Tag, false)
		}
		s.logger.Warn().Err(err).Int("legs", len(fresh)).Msg("Batch blocked by execution guard")
		return out, err
	}
	if err != nil {
		return nil, err
	}

	for _, id := range created {
		if s.notifier != nil {
			s.notifier.Enqueue(id)
		}
	}
	return out, nil
}

// Register persists an EXIT leg as CREATED. It never calls the broker; the
// order watcher places it on its next cycle, so a crash in between is
// recovered by replaying CREATED records.
func (s *CommandService) Register(ctx context.Context, cmd models.Command) (*models.OrderRecord, error) {
	if err := s.access.CheckPermission(ctx, security.OpRegisterExit); err != nil {
		return nil, err
	}
	if err := s.validate(cmd); err != nil {
		s.audit.LogInputValidation(ctx, "exit", cmd.CommandID, err.Error())
		return nil, err
	}

	existing, err := s.store.GetOrder(ctx, cmd.CommandID)
	if err == nil {
		return existing, nil
	}
	if !apperrors.Is(err, apperrors.ErrRecordNotFound) {
		return nil, err
	}

	rec, err := s.persist(ctx, cmd, models.ExecutionExit, models.StatusCreated, "")
	if err != nil {
		return nil, err
	}
	if s.notifier != nil && rec.Status == models.StatusCreated {
		s.notifier.Enqueue(rec.CommandID)
	}
	return rec, nil
}

// persist inserts a record, or returns the one a concurrent caller won
// the insert with.
func (s *CommandService) persist(ctx context.Context, cmd models.Command, execType models.ExecutionType, status models.OrderStatus, tag string) (*models.OrderRecord, error) {
	rec := &models.OrderRecord{
		CommandID:       cmd.CommandID,
		IntentID:        cmd.IntentID,
		ParentCommandID: cmd.ParentCommandID,
		ExecutionType:   execType,
		StrategyName:    cmd.StrategyName,
		Symbol:          cmd.Symbol,
		Exchange:        cmd.Exchange,
		Side:            cmd.Side,
		Quantity:        cmd.Quantity,
		Product:         cmd.Product,
		OrderType:       cmd.OrderType,
		Price:           cmd.Price,
		StopLoss:        cmd.StopLoss,
		Target:          cmd.Target,
		TrailPercent:    cmd.TrailPercent,
		Status:          status,
		BrokerTag:       broker.OrderTag(cmd.CommandID),
		Tag:             tag,
	}

	inserted, err := s.store.InsertOrder(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.store.GetOrder(ctx, cmd.CommandID)
	}

	log := logging.WithCommandID(logging.WithStrategy(s.logger, rec.StrategyName), rec.CommandID)
	logging.LogTransition(log, rec.CommandID, "", string(rec.Status), rec.Tag)
	if status == models.StatusCreated {
		s.audit.LogOrder(ctx, security.AuditOrderRegistered, rec.CommandID, "", rec.Symbol, "", true)
	}

	stored, err := s.store.GetOrder(ctx, cmd.CommandID)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *CommandService) validate(cmd models.Command) error {
	var err error
	err = multierr.Append(err, s.validator.ValidateIdentifier("command_id", cmd.CommandID))
	err = multierr.Append(err, s.validator.ValidateIdentifier("strategy", cmd.StrategyName))
	err = multierr.Append(err, s.validator.ValidateSymbol(cmd.Symbol))
	err = multierr.Append(err, s.validator.ValidateQuantity(cmd.Quantity))

	if cmd.Exchange == "" {
		err = multierr.Append(err, apperrors.NewValidationError("exchange", cmd.Exchange, "cannot be empty"))
	}
	if !cmd.Side.Valid() {
		err = multierr.Append(err, apperrors.NewValidationError("side", cmd.Side, "must be BUY or SELL"))
	}
	if cmd.Product == "" {
		err = multierr.Append(err, apperrors.NewValidationError("product_type", cmd.Product, "cannot be empty"))
	}
	switch cmd.OrderType {
	case models.OrderTypeMarket, models.OrderTypeLimit, models.OrderTypeStopLoss, models.OrderTypeStopLossM:
	default:
		err = multierr.Append(err, apperrors.NewValidationError("order_type", cmd.OrderType, "unknown order type"))
	}
	if cmd.OrderType.RequiresPrice() && cmd.Price == nil {
		err = multierr.Append(err, apperrors.NewValidationError("price", nil, "required for "+string(cmd.OrderType)+" orders"))
	}
	if cmd.Price != nil {
		err = multierr.Append(err, s.validator.ValidatePrice(*cmd.Price))
	}
	if cmd.StopLoss != nil {
		err = multierr.Append(err, s.validator.ValidatePrice(*cmd.StopLoss))
	}
	if cmd.Target != nil {
		err = multierr.Append(err, s.validator.ValidatePrice(*cmd.Target))
	}
	if cmd.TrailPercent != nil && (*cmd.TrailPercent <= 0 || *cmd.TrailPercent >= 100) {
		err = multierr.Append(err, apperrors.NewValidationError("trail_sl", *cmd.TrailPercent, "must be between 0 and 100 percent"))
	}
	return err
}

// Cancel withdraws a leg. A CREATED record fails immediately; a record
// already at the broker gets a cancel request and reaches FAILED once the
// watcher sees the broker report it CANCELLED.
func (s *CommandService) Cancel(ctx context.Context, commandID string) (*models.OrderRecord, error) {
	if err := s.access.CheckPermission(ctx, security.OpCancelOrder); err != nil {
		return nil, err
	}

	rec, err := s.store.GetOrder(ctx, commandID)
	if err != nil {
		return nil, err
	}

	if rec.Status == models.StatusCreated {
		ok, err := s.store.Transition(ctx, store.Transition{
			CommandID: commandID,
			From:      models.StatusCreated,
			To:        models.StatusFailed,
			Tag:       GuardBlocked(DetailCancelledBeforeDispatch).Tag(),
			Event:     "CANCELLED",
		})
		if err != nil {
			return nil, err
		}
		if ok {
			s.guard.RecordFailure(*rec)
			s.audit.LogOrder(ctx, security.AuditOrderCancelRequested, commandID, "", rec.Symbol, GuardBlocked(DetailCancelledBeforeDispatch).Tag(), true)
			return s.store.GetOrder(ctx, commandID)
		}
		// Lost the race with dispatch; cancel at the broker instead.
		if rec, err = s.store.GetOrder(ctx, commandID); err != nil {
			return nil, err
		}
	}

	if rec.Status != models.StatusSentToBroker {
		return rec, fmt.Errorf("%w: %s is %s", apperrors.ErrInvalidTransition, commandID, rec.Status)
	}

	if err := s.gateway.CancelOrder(ctx, rec.BrokerOrderID); err != nil {
		s.audit.LogOrder(ctx, security.AuditOrderCancelRequested, commandID, rec.BrokerOrderID, rec.Symbol, err.Error(), false)
		return rec, apperrors.NewOrderError(commandID, rec.Symbol, "cancel", "broker refused cancel", err)
	}
	if err := s.store.AppendEvent(ctx, models.OrderEvent{
		CommandID:  commandID,
		FromStatus: rec.Status,
		ToStatus:   rec.Status,
		Event:      "CANCEL_REQUESTED",
	}); err != nil {
		return rec, err
	}
	s.audit.LogOrder(ctx, security.AuditOrderCancelRequested, commandID, rec.BrokerOrderID, rec.Symbol, "", true)
	s.logger.Info().Str("command_id", commandID).Str("broker_order_id", rec.BrokerOrderID).Msg("Cancel requested")
	return rec, nil
}

// Modify changes the limit price of a leg resting at the broker. Quantity
// is fixed once registered because the strategy ledger is sized from the
// record; pass zero or the registered quantity.
func (s *CommandService) Modify(ctx context.Context, commandID string, price *float64, qty int) (*models.OrderRecord, error) {
	if err := s.access.CheckPermission(ctx, security.OpModifyOrder); err != nil {
		return nil, err
	}

	rec, err := s.store.GetOrder(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusSentToBroker {
		return rec, fmt.Errorf("%w: %s is %s", apperrors.ErrInvalidTransition, commandID, rec.Status)
	}
	if qty != 0 && qty != rec.Quantity {
		return rec, apperrors.NewValidationError("quantity", qty, "cannot change after registration, cancel and resubmit")
	}
	if price == nil {
		return rec, apperrors.NewValidationError("price", nil, "nothing to modify")
	}
	if err := s.validator.ValidatePrice(*price); err != nil {
		return rec, err
	}

	orderType := rec.OrderType
	if orderType == models.OrderTypeMarket {
		orderType = models.OrderTypeLimit
	}
	order := &models.Order{
		Symbol:   rec.Symbol,
		Exchange: rec.Exchange,
		Side:     rec.Side,
		Type:     orderType,
		Product:  rec.Product,
		Quantity: rec.Quantity,
		Price:    *price,
		Tag:      rec.BrokerTag,
	}
	if err := s.gateway.ModifyOrder(ctx, rec.BrokerOrderID, order); err != nil {
		s.audit.LogOrder(ctx, security.AuditOrderModifyRequested, commandID, rec.BrokerOrderID, rec.Symbol, err.Error(), false)
		return rec, apperrors.NewOrderError(commandID, rec.Symbol, "modify", "broker refused modification", err)
	}
	if err := s.store.AppendEvent(ctx, models.OrderEvent{
		CommandID:  commandID,
		FromStatus: rec.Status,
		ToStatus:   rec.Status,
		Event:      "MODIFY_REQUESTED",
		Tag:        fmt.Sprintf("price=%.2f", *price),
	}); err != nil {
		return rec, err
	}
	s.audit.LogOrder(ctx, security.AuditOrderModifyRequested, commandID, rec.BrokerOrderID, rec.Symbol, "", true)
	return rec, nil
}

// Get returns the record for a command id.
func (s *CommandService) Get(ctx context.Context, commandID string) (*models.OrderRecord, error) {
	return s.store.GetOrder(ctx, commandID)
}

func riskRule(err error) string {
	var rerr *apperrors.RiskError
	if apperrors.As(err, &rerr) && rerr.Rule != "" {
		return rerr.Rule
	}
	return "unavailable"
}
