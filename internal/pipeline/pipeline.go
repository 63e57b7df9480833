// Package pipeline orchestrates a receipt sync run: list mailbox headers,
// triage them, fetch and parse the receipt candidates, detect duplicates,
// and persist transactions idempotently, reporting progress throughout.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/budgetly/mailsync/internal/ai"
	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/dedup"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/progress"
	"github.com/budgetly/mailsync/internal/resilience"
	"github.com/budgetly/mailsync/internal/secrets"
	"github.com/budgetly/mailsync/internal/store"
	"github.com/budgetly/mailsync/pkg/gmail"
)

// ErrAlreadyRunning means a live sync run exists for the user.
var ErrAlreadyRunning = eris.New("pipeline: sync already running")

// ErrMailboxNotConnected means the user has no Gmail credential.
var ErrMailboxNotConnected = eris.New("pipeline: mailbox not connected")

// Gateway is the AI surface the pipeline drives. internal/ai.Gateway
// implements it.
type Gateway interface {
	Triage(ctx context.Context, headers []model.EmailHeader) ([]int, error)
	ParseReceipt(ctx context.Context, email model.EmailMessage) (*model.ParsedReceipt, error)
	DetectDuplicates(ctx context.Context, candidates []model.DedupCandidate) ([]model.DuplicateGroup, error)
	BatchSize() int
	BatchDelay() time.Duration
}

// GatewayFactory builds a Gateway for one user's resolved credentials.
type GatewayFactory func(user *model.User, provider string) (Gateway, error)

// StartRequest parameterizes one sync run.
type StartRequest struct {
	UserID    string
	StartDate time.Time
	EndDate   time.Time
	Provider  string
}

// Pipeline runs receipt syncs. One instance serves all users.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	mailbox  gmail.Client
	progress *progress.Tracker

	newGateway GatewayFactory
	sleep      func(ctx context.Context, d time.Duration)

	// synchronous runs the detached stage inline; tests use it to observe
	// a complete run without goroutine coordination.
	synchronous bool
}

// New creates a Pipeline wired to the real AI gateway.
func New(cfg *config.Config, st store.Store, mailbox gmail.Client, tracker *progress.Tracker, cipher *secrets.Cipher) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		mailbox:  mailbox,
		progress: tracker,
	}
	p.newGateway = func(user *model.User, provider string) (Gateway, error) {
		creds, err := ai.ResolveCredentials(cfg.AI, user, cipher, provider)
		if err != nil {
			return nil, err
		}
		return ai.NewGateway(ai.NewClient(creds), creds.Config, cfg.Sync, resilience.FromConfig(cfg.Retry)), nil
	}
	p.sleep = func(ctx context.Context, d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return p
}

// Start validates preconditions, claims the user's progress slot, and kicks
// off the run. It returns as soon as the run is accepted; the run itself is
// detached from the caller's context so an HTTP disconnect cannot kill it.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) error {
	log := zap.L().With(zap.String("user_id", req.UserID))

	job, err := p.progress.Get(ctx, req.UserID)
	if err != nil {
		return err
	}
	if job != nil && job.Status == model.SyncRunning {
		if !job.Stale(p.cfg.Sync.StaleAfter(), time.Now().UTC()) {
			return ErrAlreadyRunning
		}
		log.Warn("restarting stale sync run", zap.Time("started_at", job.StartedAt))
	}

	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return err
	}
	if !user.MailboxConnected() {
		return ErrMailboxNotConnected
	}

	gw, err := p.newGateway(user, req.Provider)
	if err != nil {
		return err
	}

	if err := p.progress.ClearCancel(ctx, req.UserID); err != nil {
		return err
	}
	if _, err := p.progress.Init(ctx, req.UserID); err != nil {
		return err
	}

	if p.synchronous {
		p.run(ctx, user, gw, req)
		return nil
	}
	go p.run(context.WithoutCancel(ctx), user, gw, req)
	return nil
}

// run executes the stages. It never returns an error: every outcome is
// recorded in the progress store so the job cannot be left running.
func (p *Pipeline) run(ctx context.Context, user *model.User, gw Gateway, req StartRequest) {
	log := zap.L().With(zap.String("user_id", user.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("sync run panicked", zap.Any("panic", r))
			p.finalize(ctx, user.ID, model.SyncError, "Sync failed unexpectedly")
		}
	}()

	creds := gmail.Credentials{
		AccessToken:  user.GoogleAccessToken,
		RefreshToken: user.GoogleRefreshToken,
	}

	startDate := req.StartDate
	if startDate.IsZero() {
		if user.LastSyncAt != nil {
			startDate = *user.LastSyncAt
		} else {
			startDate = time.Now().UTC().AddDate(0, 0, -30)
		}
	}

	// Stage: list headers.
	if p.cancelled(ctx, user.ID) {
		return
	}
	p.update(ctx, user.ID, "fetching", "Fetching emails", nil)

	listRetry := resilience.FromConfig(p.cfg.Retry)
	listRetry.OnRetry = resilience.RetryLogger("gmail", "list headers")
	headers, err := resilience.DoVal(ctx, listRetry, func(ctx context.Context) ([]model.EmailHeader, error) {
		return p.mailbox.ListHeaders(ctx, creds, gmail.ListOptions{
			After:      startDate,
			Before:     req.EndDate,
			MaxResults: p.cfg.Sync.MaxHeaders,
		})
	})
	if err != nil {
		log.Error("header listing failed", zap.Error(err))
		p.finalize(ctx, user.ID, model.SyncError, "Failed to fetch emails")
		return
	}
	if len(headers) == 0 {
		p.finalize(ctx, user.ID, model.SyncComplete, "No emails found")
		return
	}
	p.update(ctx, user.ID, "filtering", "Identifying receipts", func(j *model.SyncJob) {
		j.TotalEmails = len(headers)
	})

	// Stage: triage. An AI failure degrades to keyword matching rather
	// than failing the run.
	if p.cancelled(ctx, user.ID) {
		return
	}
	indices, err := gw.Triage(ctx, headers)
	if err != nil {
		log.Warn("ai triage failed, using keyword fallback", zap.Error(err))
		indices = ai.KeywordTriage(headers)
	}
	if len(indices) > p.cfg.Sync.MaxReceipts {
		indices = indices[:p.cfg.Sync.MaxReceipts]
	}

	candidates := make([]model.EmailHeader, 0, len(indices))
	for _, idx := range indices {
		candidates = append(candidates, headers[idx])
	}
	if len(candidates) == 0 {
		p.finalize(ctx, user.ID, model.SyncComplete, "No receipt emails found")
		return
	}

	// Stage: idempotency filter.
	ids := make([]string, len(candidates))
	for i, h := range candidates {
		ids[i] = h.ID
	}
	existing, err := p.store.ExistingEmailIDs(ctx, user.ID, ids)
	if err != nil {
		log.Error("existing email lookup failed", zap.Error(err))
		p.finalize(ctx, user.ID, model.SyncError, "Failed to check synced emails")
		return
	}

	skipped := 0
	fresh := candidates[:0]
	for _, h := range candidates {
		if existing[h.ID] {
			skipped++
			continue
		}
		fresh = append(fresh, h)
	}
	candidates = fresh
	p.update(ctx, user.ID, "filtering", "Identifying receipts", func(j *model.SyncJob) {
		j.Skipped = skipped
	})
	if len(candidates) == 0 {
		p.finalize(ctx, user.ID, model.SyncComplete, "All emails already synced")
		return
	}

	// Stage: body fetch. A message that cannot be fetched is dropped and
	// counted as failed.
	if p.cancelled(ctx, user.ID) {
		return
	}
	p.update(ctx, user.ID, "fetching", "Fetching email contents", nil)

	failed := 0
	emails := make([]model.EmailMessage, 0, len(candidates))
	for _, h := range candidates {
		msg, err := p.mailbox.GetMessage(ctx, creds, h.ID)
		if err != nil {
			log.Warn("body fetch failed", zap.String("message_id", h.ID), zap.Error(err))
			failed++
			continue
		}
		if msg.Subject == "" {
			msg.Subject = h.Subject
		}
		if msg.Date == "" {
			msg.Date = h.Date
		}
		emails = append(emails, *msg)
	}

	// Stage: parse in provider-sized batches, all-settled.
	p.update(ctx, user.ID, "parsing", "Extracting transactions", func(j *model.SyncJob) {
		j.Failed = failed
	})

	receipts := make([]*model.ParsedReceipt, len(emails))
	batchSize := gw.BatchSize()
	processed := 0
	for start := 0; start < len(emails); start += batchSize {
		if p.cancelled(ctx, user.ID) {
			return
		}
		end := start + batchSize
		if end > len(emails) {
			end = len(emails)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				r, err := gw.ParseReceipt(gctx, emails[i])
				if err != nil {
					log.Warn("parse failed", zap.String("message_id", emails[i].ID), zap.Error(err))
					return nil
				}
				receipts[i] = r
				return nil
			})
		}
		_ = g.Wait()

		for i := start; i < end; i++ {
			if receipts[i] == nil {
				failed++
			}
		}
		processed += end - start
		p.update(ctx, user.ID, "parsing", "Extracting transactions", func(j *model.SyncJob) {
			j.Processed = processed
			j.Failed = failed
		})

		if end < len(emails) {
			p.sleep(ctx, gw.BatchDelay())
		}
	}

	type parsed struct {
		email   model.EmailMessage
		receipt *model.ParsedReceipt
	}
	var valid []parsed
	for i, r := range receipts {
		if r != nil {
			valid = append(valid, parsed{email: emails[i], receipt: r})
		}
	}
	if len(valid) == 0 {
		p.finalize(ctx, user.ID, model.SyncComplete,
			fmt.Sprintf("No valid receipts found (%d skipped, %d failed)", skipped, failed))
		return
	}

	// Stage: duplicate detection. Degrades to "no duplicates" on failure.
	if p.cancelled(ctx, user.ID) {
		return
	}
	var groups []model.DuplicateGroup
	if len(valid) >= 2 {
		p.update(ctx, user.ID, "deduplicating", "Detecting duplicates", nil)
		dc := make([]model.DedupCandidate, len(valid))
		for i, v := range valid {
			dc[i] = model.DedupCandidate{
				Index:        i,
				Merchant:     v.receipt.Merchant,
				Amount:       v.receipt.Amount,
				Currency:     v.receipt.Currency,
				Date:         v.receipt.Date,
				EmailSubject: v.email.Subject,
			}
		}
		groups, err = gw.DetectDuplicates(ctx, dc)
		if err != nil {
			log.Warn("duplicate detection failed, treating all as unique", zap.Error(err))
			groups = nil
		}
	}
	assignments := dedup.Resolve(groups)

	duplicates := 0
	for _, a := range assignments {
		if !a.IsPrimary {
			duplicates++
		}
	}

	categoryIDs, err := p.categoryIndex(ctx, user.ID)
	if err != nil {
		log.Warn("category lookup failed, saving uncategorized", zap.Error(err))
	}

	// Stage: persist.
	p.update(ctx, user.ID, "saving", "Saving transactions", func(j *model.SyncJob) {
		j.DuplicatesFound = duplicates
	})

	saved := 0
	for i, v := range valid {
		if p.cancelled(ctx, user.ID) {
			return
		}

		tx := buildTransaction(user.ID, v.email, v.receipt, categoryIDs)
		if a, ok := assignments[i]; ok {
			groupID := a.GroupID
			tx.DuplicateGroupID = &groupID
			tx.IsPrimary = a.IsPrimary
		}

		switch err := p.store.InsertTransaction(ctx, tx); {
		case err == nil:
			saved++
		case eris.Is(err, store.ErrDuplicateTransaction):
			// Raced with another writer for the same email; already synced.
			skipped++
		default:
			log.Error("transaction insert failed", zap.String("email_id", tx.EmailID), zap.Error(err))
			failed++
		}

		if saved > 0 && saved%5 == 0 {
			p.update(ctx, user.ID, "saving", "Saving transactions", func(j *model.SyncJob) {
				j.Saved = saved
				j.Skipped = skipped
				j.Failed = failed
			})
		}
	}

	if err := p.store.SetLastSyncAt(ctx, user.ID, time.Now().UTC()); err != nil {
		log.Warn("last sync timestamp update failed", zap.Error(err))
	}

	p.update(ctx, user.ID, "saving", "Saving transactions", func(j *model.SyncJob) {
		j.Saved = saved
		j.Skipped = skipped
		j.Failed = failed
	})
	p.finalize(ctx, user.ID, model.SyncComplete,
		fmt.Sprintf("Synced %d transactions (%d skipped, %d failed, %d duplicates)", saved, skipped, failed, duplicates))

	log.Info("sync complete",
		zap.Int("saved", saved),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed),
		zap.Int("duplicates", duplicates),
	)
}

func buildTransaction(userID string, email model.EmailMessage, r *model.ParsedReceipt, categoryIDs map[string]string) *model.Transaction {
	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		date = time.Now().UTC()
	}

	tx := &model.Transaction{
		UserID:       userID,
		Merchant:     r.Merchant,
		Amount:       r.Amount,
		Currency:     r.Currency,
		Date:         date,
		Description:  r.Description,
		EmailID:      email.ID,
		EmailSubject: email.Subject,
		Status:       model.StatusProcessed,
		Confidence:   r.Confidence,
		IsPrimary:    true,
		RawData: map[string]any{
			"merchant":   r.Merchant,
			"amount":     r.Amount,
			"currency":   r.Currency,
			"date":       r.Date,
			"category":   r.Category,
			"confidence": r.Confidence,
		},
	}
	if id, ok := categoryIDs[strings.ToLower(r.Category)]; ok {
		catID := id
		tx.CategoryID = &catID
	}
	return tx
}

func (p *Pipeline) categoryIndex(ctx context.Context, userID string) (map[string]string, error) {
	cats, err := p.store.ListCategories(ctx, userID)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string, len(cats))
	for _, c := range cats {
		name := strings.ToLower(c.Name)
		if _, ok := idx[name]; !ok {
			idx[name] = c.ID
		}
	}
	return idx, nil
}

// cancelled checks the user's flag and, when raised, clears it and
// finalizes the job as cancelled.
func (p *Pipeline) cancelled(ctx context.Context, userID string) bool {
	if !p.progress.IsCancelled(ctx, userID) {
		return false
	}
	zap.L().Info("sync cancelled", zap.String("user_id", userID))
	if err := p.progress.ClearCancel(ctx, userID); err != nil {
		zap.L().Warn("cancel flag clear failed", zap.String("user_id", userID), zap.Error(err))
	}
	p.finalize(ctx, userID, model.SyncCancelled, "Sync cancelled")
	return true
}

func (p *Pipeline) update(ctx context.Context, userID, step, message string, mutate func(*model.SyncJob)) {
	_, err := p.progress.Update(ctx, userID, func(j *model.SyncJob) {
		j.Step = step
		j.Message = message
		if mutate != nil {
			mutate(j)
		}
	})
	if err != nil {
		zap.L().Warn("progress update failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *Pipeline) finalize(ctx context.Context, userID string, status model.SyncStatus, message string) {
	if _, err := p.progress.Finalize(ctx, userID, status, message); err != nil {
		zap.L().Warn("progress finalize failed", zap.String("user_id", userID), zap.Error(err))
	}
}
