// Package identity binds chat identities to directory principals. The
// binding is established by proof of possession: a one-time token is
// written where only the claimed principal can read it, and supplying
// the token back through chat completes the link.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/audit"
	"github.com/groupbot-framework/groupbot/internal/directory"
	"github.com/groupbot-framework/groupbot/internal/objstore"
)

const (
	verificationPrefix = "verifications/"
	bindingPrefix      = "users/"
)

// ErrVerificationFailed covers every completion failure: no pending
// verification, token mismatch, or unreadable record. Callers get no
// more detail; the distinction would only help an attacker guessing
// tokens.
var ErrVerificationFailed = errors.New("identity: verification failed")

// ErrNotRegistered is returned when a chat identity has no binding for
// the requested account.
var ErrNotRegistered = errors.New("identity: no account binding")

// Binding is the durable fact that a chat identity acts as a directory
// principal within one account.
type Binding struct {
	AccountID string
	Username  string
}

// Service manages verification tokens and account bindings.
type Service struct {
	store  objstore.Store
	router *directory.Router
	audit  *audit.Logger
	logger zerolog.Logger

	// newToken is swappable in tests.
	newToken func() string
}

func NewService(store objstore.Store, router *directory.Router, al *audit.Logger, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		router:   router,
		audit:    al,
		logger:   logger,
		newToken: uuid.NewString,
	}
}

// Initiate starts account linking: it resolves the claimed principal in
// the target account's directory, mints a token, and stores it under a
// key only that principal can read. It returns the object key so the
// caller can tell the user where to fetch the token from.
//
// Tokens have no expiry; they live until consumed. Flagged for product
// clarification.
func (s *Service) Initiate(ctx context.Context, accountID, username, chatID string) (string, error) {
	client, err := s.router.ForAccount(accountID)
	if err != nil {
		return "", err
	}

	userID, err := client.GetUserID(ctx, username)
	if err != nil {
		return "", fmt.Errorf("resolving user %s in account %s: %w", username, accountID, err)
	}
	if userID == "" {
		return "", fmt.Errorf("user %s has no id in account %s", username, accountID)
	}

	token := s.newToken()
	key := verificationPrefix + accountID + "/" + userID + "/" + username + "/" + chatID
	if err := s.store.Put(ctx, key, []byte(token+"\n")); err != nil {
		return "", fmt.Errorf("storing verification token: %w", err)
	}

	s.audit.Log(audit.EventVerificationCreated, chatID, accountID, "", map[string]string{
		"username": username,
	})
	s.logger.Info().
		Str("account_id", accountID).
		Str("username", username).
		Str("chat_id", chatID).
		Msg("verification token created")
	return key, nil
}

// Complete finishes account linking: it finds the pending verification
// for the chat identity, compares the supplied token, and on match
// writes the durable binding and consumes the token.
func (s *Service) Complete(ctx context.Context, chatID, suppliedToken string) (*Binding, error) {
	keys, err := s.store.List(ctx, verificationPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing verifications: %w", err)
	}

	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+chatID) {
			continue
		}

		stored, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("unreadable verification record")
			continue
		}

		expected := strings.TrimSpace(string(stored))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(suppliedToken)) != 1 {
			continue
		}

		// verifications/<accountId>/<userId>/<username>/<chatId>
		parts := strings.Split(key, "/")
		if len(parts) != 5 {
			s.logger.Warn().Str("key", key).Msg("malformed verification key")
			continue
		}
		accountID, username := parts[1], parts[3]

		if err := s.store.Put(ctx, bindingPrefix+chatID+"/"+accountID, []byte(username)); err != nil {
			return nil, fmt.Errorf("storing account binding: %w", err)
		}
		if err := s.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("consuming verification token: %w", err)
		}

		s.audit.Log(audit.EventVerificationComplete, chatID, accountID, "", map[string]string{
			"username": username,
		})
		return &Binding{AccountID: accountID, Username: username}, nil
	}

	s.audit.Log(audit.EventVerificationFailed, chatID, "", "", nil)
	return nil, ErrVerificationFailed
}

// Lookup returns the directory principal bound to a chat identity for
// one account.
func (s *Service) Lookup(ctx context.Context, chatID, accountID string) (string, error) {
	body, err := s.store.Get(ctx, bindingPrefix+chatID+"/"+accountID)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return "", ErrNotRegistered
		}
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// Bindings lists every account binding held by a chat identity.
func (s *Service) Bindings(ctx context.Context, chatID string) ([]Binding, error) {
	prefix := bindingPrefix + chatID + "/"
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing bindings: %w", err)
	}

	var bindings []Binding
	for _, key := range keys {
		accountID := strings.TrimPrefix(key, prefix)
		body, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("unreadable binding record")
			continue
		}
		bindings = append(bindings, Binding{
			AccountID: accountID,
			Username:  strings.TrimSpace(string(body)),
		})
	}
	return bindings, nil
}
