// Package chat is the inbound webhook surface. It authenticates chat
// platform callbacks, parses commands, acknowledges within the
// platform's reply deadline, and hands the real work to the engine on a
// background goroutine. The final outcome travels back over the
// per-invocation response URL.
package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/groupbot-framework/groupbot/internal/engine"
	"github.com/groupbot-framework/groupbot/internal/grant"
	"github.com/groupbot-framework/groupbot/internal/identity"
	"github.com/groupbot-framework/groupbot/internal/logging"
	"github.com/groupbot-framework/groupbot/internal/notify"
)

// Options carries the deployment-specific knobs of the webhook surface.
type Options struct {
	// SharedSecret authenticates inbound callbacks. Compared in constant
	// time against the token field of every request.
	SharedSecret string
	// TriggerWord is how users invoke the bot; only used in help and
	// instruction text.
	TriggerWord string
	// Accounts maps human account names to account ids.
	Accounts map[string]string
	// Approvers is a chat username allow-list for the approve command.
	// Empty means any user may approve.
	Approvers []string
	// DefaultDurationMinutes applies when a request omits the duration.
	DefaultDurationMinutes int
	// DataBucket appears in registration instructions so users know
	// where to fetch their verification token from.
	DataBucket string
}

// Handler serves the chat webhook.
type Handler struct {
	engine     *engine.Engine
	identities *identity.Service
	sink       notify.Sink
	opts       Options
	logger     zerolog.Logger

	// dispatch runs the slow half of a command. Swapped for a
	// synchronous version in tests.
	dispatch func(fn func())

	// background work gets its own deadline, detached from the inbound
	// request which is acknowledged immediately.
	taskTimeout time.Duration
}

func NewHandler(eng *engine.Engine, identities *identity.Service, sink notify.Sink, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:      eng,
		identities:  identities,
		sink:        sink,
		opts:        opts,
		logger:      logger,
		dispatch:    func(fn func()) { go fn() },
		taskTimeout: 30 * time.Second,
	}
}

// Routes builds the HTTP surface: the command webhook plus a liveness
// probe.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/command", h.handleCommand)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.SharedSecret)) != 1 {
		h.logger.Warn().
			Str("remote", r.RemoteAddr).
			Str("token", logging.RedactValue(token)).
			Msg("webhook secret mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	inv := invocation{
		userID:      r.PostFormValue("user_id"),
		userName:    r.PostFormValue("user_name"),
		responseURL: r.PostFormValue("response_url"),
		cmd:         ParseCommand(r.PostFormValue("text")),
	}

	ack := h.route(inv)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notify.Message{Text: ack})
}

// invocation is one authenticated command from one chat user.
type invocation struct {
	userID      string
	userName    string
	responseURL string
	cmd         Command
}

// route returns the immediate acknowledgement text and, for slow
// commands, schedules the background half.
func (h *Handler) route(inv invocation) string {
	switch inv.cmd.Name {
	case "help":
		return h.helpText()
	case "list":
		h.background(inv, h.runList)
		return "Fetching group listings..."
	case "register":
		return h.startRegister(inv)
	case "verify":
		return h.startVerify(inv)
	case "whoami":
		h.background(inv, h.runWhoami)
		return "Looking up your registrations..."
	case "request":
		return h.startRequest(inv)
	case "approve":
		return h.startApprove(inv)
	default:
		return fmt.Sprintf("Unknown command %q. Try `%s help`.", inv.cmd.Name, h.opts.TriggerWord)
	}
}

func (h *Handler) background(inv invocation, fn func(ctx context.Context, inv invocation)) {
	h.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.taskTimeout)
		defer cancel()
		fn(ctx, inv)
	})
}

func (h *Handler) reply(ctx context.Context, inv invocation, text string) {
	h.sink.Send(ctx, inv.responseURL, notify.Message{Text: text})
}

func (h *Handler) broadcast(ctx context.Context, inv invocation, text string) {
	h.sink.Send(ctx, inv.responseURL, notify.Message{Text: text, ResponseType: notify.Broadcast})
}

func (h *Handler) helpText() string {
	t := h.opts.TriggerWord
	var b strings.Builder
	b.WriteString("Temporary group membership commands:\n")
	fmt.Fprintf(&b, "`%s list` - show requestable groups per account\n", t)
	fmt.Fprintf(&b, "`%s register <account> <username>` - link your chat identity to a directory user\n", t)
	fmt.Fprintf(&b, "`%s verify <token>` - finish registration with the retrieved token\n", t)
	fmt.Fprintf(&b, "`%s whoami` - show your registrations\n", t)
	fmt.Fprintf(&b, "`%s request <account> <group> [minutes]` - request temporary membership\n", t)
	fmt.Fprintf(&b, "`%s approve <request-id>` - approve someone's pending request\n", t)
	fmt.Fprintf(&b, "Known accounts: %s", strings.Join(h.accountNamesSorted(), ", "))
	return b.String()
}

func (h *Handler) accountNamesSorted() []string {
	names := make([]string, 0, len(h.opts.Accounts))
	for name := range h.opts.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// accountNameByID inverts the Accounts map for display.
func (h *Handler) accountNameByID() map[string]string {
	byID := make(map[string]string, len(h.opts.Accounts))
	for name, id := range h.opts.Accounts {
		byID[id] = name
	}
	return byID
}

func (h *Handler) runList(ctx context.Context, inv invocation) {
	results := h.engine.GroupsByAccount(ctx, h.accountNameByID())

	var b strings.Builder
	b.WriteString("Requestable groups:\n")
	for _, r := range results {
		label := r.AccountName
		if label == "" {
			label = r.AccountID
		}
		if r.Err != nil {
			fmt.Fprintf(&b, "*%s*: unavailable\n", label)
			continue
		}
		if len(r.Groups) == 0 {
			fmt.Fprintf(&b, "*%s*: none\n", label)
			continue
		}
		fmt.Fprintf(&b, "*%s*: %s\n", label, strings.Join(r.Groups, ", "))
	}
	h.reply(ctx, inv, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) startRegister(inv invocation) string {
	if len(inv.cmd.Args) != 2 {
		return fmt.Sprintf("Usage: `%s register <account> <username>`", h.opts.TriggerWord)
	}
	accountName, username := inv.cmd.Args[0], inv.cmd.Args[1]
	accountID, ok := h.opts.Accounts[accountName]
	if !ok {
		return fmt.Sprintf("Unknown account %q. Known accounts: %s", accountName, strings.Join(h.accountNamesSorted(), ", "))
	}

	h.background(inv, func(ctx context.Context, inv invocation) {
		key, err := h.identities.Initiate(ctx, accountID, username, inv.userID)
		if err != nil {
			h.logger.Error().Err(err).Str("account", accountName).Msg("registration failed")
			h.reply(ctx, inv, fmt.Sprintf("Unable to start registration for %s in %s. Check the username and try again.", username, accountName))
			return
		}
		h.reply(ctx, inv, fmt.Sprintf(
			"A verification token for %s has been placed where only that user can read it.\n"+
				"Retrieve it with credentials for account %s:\n"+
				"`aws s3 cp s3://%s/%s -`\n"+
				"Then complete registration with `%s verify <token>`.",
			username, accountName, h.opts.DataBucket, key, h.opts.TriggerWord))
	})
	return fmt.Sprintf("Starting registration for %s in account %s...", username, accountName)
}

func (h *Handler) startVerify(inv invocation) string {
	if len(inv.cmd.Args) != 1 {
		return fmt.Sprintf("Usage: `%s verify <token>`", h.opts.TriggerWord)
	}
	token := inv.cmd.Args[0]

	h.background(inv, func(ctx context.Context, inv invocation) {
		binding, err := h.identities.Complete(ctx, inv.userID, token)
		if err != nil {
			h.reply(ctx, inv, "Verification failed. Check the token and try again.")
			return
		}
		name := h.accountNameByID()[binding.AccountID]
		if name == "" {
			name = binding.AccountID
		}
		h.reply(ctx, inv, fmt.Sprintf("Verified. You are registered as %s in account %s.", binding.Username, name))
	})
	return "Checking your token..."
}

func (h *Handler) runWhoami(ctx context.Context, inv invocation) {
	bindings, err := h.identities.Bindings(ctx, inv.userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("binding lookup failed")
		h.reply(ctx, inv, "Unable to look up your registrations right now.")
		return
	}
	if len(bindings) == 0 {
		h.reply(ctx, inv, fmt.Sprintf("You have no registrations. Use `%s register <account> <username>` to start.", h.opts.TriggerWord))
		return
	}

	byID := h.accountNameByID()
	var b strings.Builder
	b.WriteString("Your registrations:\n")
	for _, binding := range bindings {
		name := byID[binding.AccountID]
		if name == "" {
			name = binding.AccountID
		}
		fmt.Fprintf(&b, "*%s*: %s\n", name, binding.Username)
	}
	h.reply(ctx, inv, strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) startRequest(inv invocation) string {
	if len(inv.cmd.Args) < 2 || len(inv.cmd.Args) > 3 {
		return fmt.Sprintf("Usage: `%s request <account> <group> [minutes]`", h.opts.TriggerWord)
	}
	accountName, groupName := inv.cmd.Args[0], inv.cmd.Args[1]
	accountID, ok := h.opts.Accounts[accountName]
	if !ok {
		return fmt.Sprintf("Unknown account %q. Known accounts: %s", accountName, strings.Join(h.accountNamesSorted(), ", "))
	}

	minutes := h.opts.DefaultDurationMinutes
	if len(inv.cmd.Args) == 3 {
		parsed, err := strconv.Atoi(inv.cmd.Args[2])
		if err != nil || parsed <= 0 {
			return fmt.Sprintf("%q is not a valid duration in minutes.", inv.cmd.Args[2])
		}
		minutes = parsed
	}

	h.background(inv, func(ctx context.Context, inv invocation) {
		req, err := h.engine.Submit(ctx, engine.SubmitInput{
			AccountID:       accountID,
			AccountName:     accountName,
			ChatUserID:      inv.userID,
			ChatUserName:    inv.userName,
			GroupName:       groupName,
			DurationMinutes: minutes,
		})
		switch {
		case errors.Is(err, engine.ErrUnregistered):
			h.reply(ctx, inv, fmt.Sprintf("You are not registered for account %s. Use `%s register %s <username>` first.", accountName, h.opts.TriggerWord, accountName))
		case errors.Is(err, engine.ErrUnknownGroup):
			h.reply(ctx, inv, fmt.Sprintf("Group %q is not requestable in account %s. Use `%s list` to see the options.", groupName, accountName, h.opts.TriggerWord))
		case err != nil:
			h.logger.Error().Err(err).Msg("request submission failed")
			h.reply(ctx, inv, "Unable to submit the request right now. Try again shortly.")
		default:
			h.broadcast(ctx, inv, fmt.Sprintf(
				"%s requests membership in *%s* (account %s) for %d minutes.\n"+
					"Approve with `%s approve %s` before %s.",
				inv.userName, req.GroupName, accountName, req.MembershipDurationMinutes,
				h.opts.TriggerWord, req.ID, req.ValidUntil.UTC().Format(time.RFC3339)))
		}
	})
	return fmt.Sprintf("Submitting your request for %s in %s...", groupName, accountName)
}

func (h *Handler) startApprove(inv invocation) string {
	if len(inv.cmd.Args) != 1 {
		return fmt.Sprintf("Usage: `%s approve <request-id>`", h.opts.TriggerWord)
	}
	if !h.mayApprove(inv.userName) {
		return "You are not on the approver list."
	}
	requestID := inv.cmd.Args[0]

	h.background(inv, func(ctx context.Context, inv invocation) {
		g, err := h.engine.Approve(ctx, engine.ApproveInput{
			RequestID:        requestID,
			ApproverChatID:   inv.userID,
			ApproverChatName: inv.userName,
		})
		switch {
		case errors.Is(err, grant.ErrNotFound):
			h.reply(ctx, inv, fmt.Sprintf("Unable to find request %s. It may have expired or already been handled.", requestID))
		case errors.Is(err, engine.ErrSelfApproval):
			h.reply(ctx, inv, "You cannot approve your own request.")
		case errors.Is(err, engine.ErrDirectoryFail):
			h.reply(ctx, inv, "The directory update failed. The request is still pending; try approving again.")
		case err != nil:
			h.logger.Error().Err(err).Msg("approval failed")
			h.reply(ctx, inv, "Unable to process the approval right now. Try again shortly.")
		default:
			h.broadcast(ctx, inv, fmt.Sprintf(
				"%s approved request %s: %s added to *%s* until %s.",
				inv.userName, g.ID, g.Username, g.GroupName,
				g.ExpiresAt.UTC().Format(time.RFC3339)))
		}
	})
	return fmt.Sprintf("Processing approval of %s...", requestID)
}

// mayApprove checks the approver allow-list. An empty list means any
// user may approve; self-approval is still policed by the engine.
func (h *Handler) mayApprove(userName string) bool {
	if len(h.opts.Approvers) == 0 {
		return true
	}
	for _, name := range h.opts.Approvers {
		if name == userName {
			return true
		}
	}
	return false
}
