// Package rsvps manages guest responses and the PIN flow that lets a guest
// edit their own response.
package rsvps

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/mailer"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/records"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/store"
	"go.uber.org/zap"
)

const (
	opList      = "rsvps.list"
	opFind      = "rsvps.find_by_email"
	opCreate    = "rsvps.create"
	opReplace   = "rsvps.replace"
	opRequest   = "rsvps.request_pin"
	opVerify    = "rsvps.verify_pin"
	opUpdate    = "rsvps.update"
	opDelete    = "rsvps.delete"
	pinDigits   = 4
	pinModulus  = 10000
	messageSent = "A PIN has been sent to your email address."
	messageKept = "A PIN was generated but the email could not be sent. Please contact the hosts."
)

var (
	errMissingStore  = errors.New("collection store is required")
	errMissingTokens = errors.New("token issuer is required")
	noOpLogger       = zap.NewNop()
)

// ServiceConfig describes the collaborators of Service.
type ServiceConfig struct {
	Store        *store.Store
	Mailer       mailer.Sender
	Tokens       *auth.TokenIssuer
	Clock        func() time.Time
	PINGenerator func() (string, error)
	Logger       *zap.Logger
}

// Service implements RSVP operations on top of the collection store.
type Service struct {
	store  *store.Store
	mailer mailer.Sender
	tokens *auth.TokenIssuer
	clock  func() time.Time
	newPIN func() (string, error)
	logger *zap.Logger
}

// Listing is a sanitized collection with its version.
type Listing struct {
	Records []json.RawMessage
	Version store.Version
}

// PINResult reports the outcome of a PIN request.
type PINResult struct {
	Found     bool   `json:"found"`
	EmailSent bool   `json:"emailSent"`
	Message   string `json:"message"`
}

// Verification is returned after a PIN matched.
type Verification struct {
	RSVP      json.RawMessage
	Token     string
	ExpiresIn int64
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	sender := cfg.Mailer
	if sender == nil {
		sender = mailer.Disabled{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generator := cfg.PINGenerator
	if generator == nil {
		generator = GeneratePIN
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:  cfg.Store,
		mailer: sender,
		tokens: cfg.Tokens,
		clock:  clock,
		newPIN: generator,
		logger: logger,
	}, nil
}

// GeneratePIN returns a uniformly random 4-digit string.
func GeneratePIN() (string, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(pinModulus))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", pinDigits, value.Int64()), nil
}

// List returns every RSVP without PIN material.
func (s *Service) List(ctx context.Context) (Listing, error) {
	document, err := s.store.Load(ctx, CollectionName)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Records: PublicAll(document.Records), Version: document.Version}, nil
}

// FindByEmail returns the RSVP whose email matches case-insensitively.
func (s *Service) FindByEmail(ctx context.Context, email string) (json.RawMessage, error) {
	if strings.TrimSpace(email) == "" {
		return nil, apperr.Validation(opFind+".missing_email", "email is required")
	}
	document, err := s.store.Load(ctx, CollectionName)
	if err != nil {
		return nil, err
	}
	index := indexByEmail(document.Records, email)
	if index < 0 {
		return nil, apperr.NotFound(opFind+".not_found", "RSVP not found")
	}
	return Public(document.Records[index]), nil
}

// Create validates raw and appends it with a server-assigned id and timestamp.
func (s *Service) Create(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	view, err := records.Decode[RSVP](raw)
	if err != nil {
		return nil, apperr.Validation(opCreate+".invalid_body", "request body must be an RSVP object")
	}
	if message, ok := view.validate(); !ok {
		return nil, apperr.Validation(opCreate+".invalid_fields", message)
	}

	var created json.RawMessage
	_, err = s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		base := records.NewBase(s.clock(), items)
		record, mergeErr := records.Merge(raw, base, fieldPIN, fieldPINSentAt, fieldPINEmailSent)
		if mergeErr != nil {
			return nil, apperr.Validation(opCreate+".invalid_body", "request body must be an RSVP object")
		}
		created = record
		return append(items, record), nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rsvp created", zap.String("rsvp_id", records.FieldString(created, "id")))
	return Public(created), nil
}

// Replace overwrites the collection verbatim. A non-empty ifVersion makes
// the write conditional.
func (s *Service) Replace(ctx context.Context, items []json.RawMessage, ifVersion store.Version) (store.Version, error) {
	version, err := s.store.Replace(ctx, CollectionName, items, ifVersion)
	if err != nil {
		return "", err
	}
	s.logger.Info("rsvps replaced", zap.String("operation", opReplace), zap.Int("count", len(items)))
	return version, nil
}

// RequestPIN issues a fresh PIN for the RSVP registered under email and
// attempts to email it. The latest PIN replaces any earlier one.
func (s *Service) RequestPIN(ctx context.Context, email string) (PINResult, error) {
	if strings.TrimSpace(email) == "" {
		return PINResult{}, apperr.Validation(opRequest+".missing_email", "email is required")
	}
	pin, err := s.newPIN()
	if err != nil {
		return PINResult{}, apperr.Internal(opRequest+".pin_failed", "failed to generate PIN", err)
	}

	var guestName, address string
	var rsvpID records.ID
	_, err = s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := indexByEmail(items, email)
		if index < 0 {
			return nil, apperr.NotFound(opRequest+".not_found", "No RSVP found for this email")
		}
		state := pinState{PIN: pin, PINSentAt: s.clock().UnixMilli()}
		updated, mergeErr := records.Merge(items[index], state)
		if mergeErr != nil {
			return nil, apperr.Internal(opRequest+".merge_failed", "stored RSVP is malformed", mergeErr)
		}
		guestName = records.FieldString(items[index], "name")
		address = records.FieldString(items[index], "email")
		rsvpID, _ = records.IDOf(items[index])
		items[index] = updated
		return items, nil
	})
	if err != nil {
		return PINResult{}, err
	}

	if sendErr := s.mailer.Send(ctx, mailer.PINMessage(address, guestName, pin)); sendErr != nil {
		s.logger.Warn("pin email not sent", zap.String("operation", opRequest), zap.String("rsvp_id", rsvpID.String()), zap.Error(sendErr))
		return PINResult{Found: true, EmailSent: false, Message: messageKept}, nil
	}

	s.markEmailSent(ctx, email, pin)
	return PINResult{Found: true, EmailSent: true, Message: messageSent}, nil
}

func (s *Service) markEmailSent(ctx context.Context, email, pin string) {
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := indexByEmail(items, email)
		if index < 0 || records.FieldString(items[index], fieldPIN) != pin {
			return nil, errPINSuperseded
		}
		updated, mergeErr := records.Merge(items[index], deliveryState{PINEmailSent: true})
		if mergeErr != nil {
			return nil, mergeErr
		}
		items[index] = updated
		return items, nil
	})
	if err != nil && !errors.Is(err, errPINSuperseded) {
		s.logError(opRequest, "delivery_flag_failed", err)
	}
}

var errPINSuperseded = errors.New("pin superseded")

// VerifyPIN checks pin against the stored PIN for email. A match clears the
// PIN and returns a signed edit token for the record.
func (s *Service) VerifyPIN(ctx context.Context, email, pin string) (Verification, error) {
	if strings.TrimSpace(email) == "" {
		return Verification{}, apperr.Validation(opVerify+".missing_email", "email is required")
	}
	if strings.TrimSpace(pin) == "" {
		return Verification{}, apperr.Validation(opVerify+".missing_pin", "pin is required")
	}

	var verified json.RawMessage
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := indexByEmail(items, email)
		if index < 0 {
			return nil, apperr.NotFound(opVerify+".not_found", "No RSVP found for this email")
		}
		stored := records.FieldString(items[index], fieldPIN)
		if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(pin))) != 1 {
			return nil, apperr.Unauthorized(opVerify+".invalid_pin", "Invalid PIN")
		}
		cleared, mergeErr := records.Merge(items[index], struct{}{}, secretFields...)
		if mergeErr != nil {
			return nil, apperr.Internal(opVerify+".merge_failed", "stored RSVP is malformed", mergeErr)
		}
		items[index] = cleared
		verified = cleared
		return items, nil
	})
	if err != nil {
		if apperr.Is(err, apperr.KindUnauthorized) {
			s.logger.Info("pin verification rejected", zap.String("operation", opVerify))
		}
		return Verification{}, err
	}

	id, err := records.IDOf(verified)
	if err != nil || id == "" {
		return Verification{}, apperr.Internal(opVerify+".missing_id", "stored RSVP has no id", err)
	}
	token, expiresIn, err := s.tokens.Issue(id.String())
	if err != nil {
		s.logError(opVerify, "token_failed", err, zap.String("rsvp_id", id.String()))
		return Verification{}, apperr.Internal(opVerify+".token_failed", "failed to issue edit token", err)
	}
	s.logger.Info("pin verified", zap.String("rsvp_id", id.String()))
	return Verification{RSVP: Public(verified), Token: token, ExpiresIn: expiresIn}, nil
}

// Update merges patch onto the RSVP with the given id. Server-owned fields
// in patch are ignored.
func (s *Service) Update(ctx context.Context, id string, patch json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil || fields == nil {
		return nil, apperr.Validation(opUpdate+".invalid_body", "request body must be a JSON object")
	}
	for _, key := range serverFields {
		delete(fields, key)
	}

	var updated json.RawMessage
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := records.IndexOf(items, records.ID(id))
		if index < 0 {
			return nil, apperr.NotFound(opUpdate+".not_found", "RSVP not found")
		}
		merged, mergeErr := records.Merge(items[index], fields)
		if mergeErr != nil {
			return nil, apperr.Internal(opUpdate+".merge_failed", "stored RSVP is malformed", mergeErr)
		}
		view, decodeErr := records.Decode[RSVP](merged)
		if decodeErr != nil {
			return nil, apperr.Validation(opUpdate+".invalid_fields", "RSVP fields have invalid types")
		}
		if message, ok := view.validate(); !ok {
			return nil, apperr.Validation(opUpdate+".invalid_fields", message)
		}
		items[index] = merged
		updated = merged
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rsvp updated", zap.String("rsvp_id", id))
	return Public(updated), nil
}

// Delete removes the RSVP with the given id.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.store.Update(ctx, CollectionName, func(items []json.RawMessage) ([]json.RawMessage, error) {
		index := records.IndexOf(items, records.ID(id))
		if index < 0 {
			return nil, apperr.NotFound(opDelete+".not_found", "RSVP not found")
		}
		return append(items[:index], items[index+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("rsvp deleted", zap.String("rsvp_id", id))
	return nil
}

// Authorize reports whether token grants edits to the RSVP with the given id.
func (s *Service) Authorize(token, id string) error {
	subject, err := s.tokens.Validate(token)
	if err != nil {
		return apperr.Unauthorized("rsvps.authorize.invalid_token", "invalid or expired edit token")
	}
	if subject != id {
		return apperr.Unauthorized("rsvps.authorize.wrong_record", "edit token does not match this RSVP")
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("rsvp service error", attrs...)
}
