package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/khizerh/amanahlogic-sub002/pkg/feecalc"
	"github.com/khizerh/amanahlogic-sub002/pkg/invoice"
	"github.com/khizerh/amanahlogic-sub002/pkg/mailer"
	"github.com/khizerh/amanahlogic-sub002/pkg/period"
)

// RunOptions scopes a billing run. A nil OrgID processes every
// organization; DryRun computes and reports every decision without
// persisting anything or sending mail.
type RunOptions struct {
	OrgID  *uuid.UUID
	DryRun bool
	Now    time.Time // zero means time.Now
}

// OrgResult is one organization's slice of a run report.
type OrgResult struct {
	OrgID           uuid.UUID `json:"org_id"`
	OrgName         string    `json:"org_name"`
	MembershipsSeen int       `json:"memberships_seen"`
	InvoicesCreated int       `json:"invoices_created"`
	InvoicesSkipped int       `json:"invoices_skipped"`
	RemindersSent   int       `json:"reminders_sent"`
	Lapsed          int       `json:"lapsed"`
	Cancelled       int       `json:"cancelled"`
	Errors          []string  `json:"errors,omitempty"`
}

// RunReport summarizes a billing run across organizations.
type RunReport struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	DryRun     bool        `json:"dry_run"`
	Orgs       []OrgResult `json:"orgs"`
}

// Runner is the scheduled billing sweep. For each organization it walks
// the manually-billed memberships and, per member: creates the pending
// invoice when dues come due, sends advance reminders, lapses members past
// the grace period, and cancels members unpaid past the cancellation
// threshold. Memberships on provider-managed auto-pay are never touched.
type Runner struct {
	store    Store
	invoices *invoice.Service
	notifier mailer.Notifier
	log      *slog.Logger
}

func NewRunner(store Store, invoices *invoice.Service, notifier mailer.Notifier, log *slog.Logger) *Runner {
	if store == nil {
		panic("billing: Store is required")
	}
	if invoices == nil {
		panic("billing: invoice.Service is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, invoices: invoices, notifier: notifier, log: log}
}

// Run executes one billing sweep. A failure inside one organization is
// recorded in its result and never aborts the others; the error return is
// reserved for failures that prevent the run itself, such as the
// organization list being unavailable.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	report := &RunReport{StartedAt: now.UTC(), DryRun: opts.DryRun}

	var orgs []Organization
	if opts.OrgID != nil {
		org, err := r.store.Organization(ctx, *opts.OrgID)
		if err != nil {
			return nil, err
		}
		orgs = []Organization{*org}
	} else {
		var err error
		orgs, err = r.store.Organizations(ctx)
		if err != nil {
			return nil, err
		}
	}

	for i := range orgs {
		res := r.runOrg(ctx, &orgs[i], now, opts.DryRun)
		report.Orgs = append(report.Orgs, res)
	}

	report.FinishedAt = time.Now().UTC()

	r.log.InfoContext(ctx, "billing run finished",
		slog.Bool("dry_run", opts.DryRun),
		slog.Int("orgs", len(report.Orgs)),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	return report, nil
}

func (r *Runner) runOrg(ctx context.Context, org *Organization, now time.Time, dryRun bool) OrgResult {
	res := OrgResult{OrgID: org.ID, OrgName: org.Name}

	// Billing decisions run on the organization's local calendar day.
	// Normalizing to UTC midnight makes day arithmetic exact.
	today := period.DateUTC(now.In(org.Location()))

	members, err := r.store.ManualBillingMemberships(ctx, org.ID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list memberships: %v", err))
		r.log.ErrorContext(ctx, "billing run failed for organization",
			slog.String("org_id", org.ID.String()),
			slog.Any("error", err))
		return res
	}

	for i := range members {
		m := &members[i]
		res.MembershipsSeen++

		if err := r.processMembership(ctx, org, m, today, dryRun, &res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("membership %s: %v", m.ID, err))
			r.log.ErrorContext(ctx, "billing run membership failed",
				slog.String("org_id", org.ID.String()),
				slog.String("membership_id", m.ID.String()),
				slog.Any("error", err))
		}
	}

	return res
}

func (r *Runner) processMembership(ctx context.Context, org *Organization, m *Membership, today time.Time, dryRun bool, res *OrgResult) error {
	if m.Terminal() || m.OnProviderBilling() {
		return nil
	}
	if m.NextDueAt == nil {
		return nil
	}

	due := period.DateUTC(*m.NextDueAt)

	// Delinquency is measured from the oldest unsettled invoice when one
	// predates the due date, so an operator moving the due date forward
	// never resets the clock on dues already owed.
	overdueFrom := due
	if oldest, err := r.store.OldestUnpaidPayment(ctx, m.ID); err == nil {
		if d := period.DateUTC(oldest.DueAt); d.Before(overdueFrom) {
			overdueFrom = d
		}
	} else if !IsNotFound(err) {
		return err
	}

	// Delinquency checks run before invoicing so a member crossing the
	// cancellation threshold today is not billed for a new period. A
	// member is only cancelled from lapsed: a current member past the
	// threshold lapses this run and cancels on a later one.
	switch {
	case m.Status == StatusLapsed && r.shouldCancel(org, overdueFrom, today):
		if !dryRun {
			if err := r.cancel(ctx, m, today); err != nil {
				return err
			}
		}
		res.Cancelled++
		return nil
	case m.Status == StatusCurrent && r.shouldLapse(org, overdueFrom, today):
		if !dryRun {
			if err := r.lapse(ctx, org, m, today); err != nil {
				return err
			}
		}
		res.Lapsed++
	}

	// Invoices are generated ahead of the due date by the widest
	// reminder window so upcoming-due reminders have a payment row to
	// count against.
	lead := maxReminderDays(org)
	if due.After(today.AddDate(0, 0, lead)) {
		return nil
	}

	created, err := r.ensureInvoice(ctx, org, m, due, today, dryRun)
	if err != nil {
		return err
	}
	if created {
		res.InvoicesCreated++
	} else {
		res.InvoicesSkipped++
	}

	sent, err := r.maybeRemind(ctx, org, m, due, today, dryRun)
	if err != nil {
		return err
	}
	res.RemindersSent += sent
	return nil
}

func maxReminderDays(org *Organization) int {
	max := 0
	for _, d := range org.ReminderDays {
		if d > max {
			max = d
		}
	}
	return max
}

// shouldCancel reports whether the membership has been unpaid long enough
// to cancel, measured in whole months past due.
func (r *Runner) shouldCancel(org *Organization, due, today time.Time) bool {
	if !due.Before(today) {
		return false
	}
	return period.MonthsBetween(due, today) >= org.CancelThresholdMonths()
}

// shouldLapse reports whether the due date sits past the grace period.
func (r *Runner) shouldLapse(org *Organization, due, today time.Time) bool {
	if !due.Before(today) {
		return false
	}
	return int(today.Sub(due).Hours()/24) >= org.LapseAfterDays()
}

func (r *Runner) cancel(ctx context.Context, m *Membership, today time.Time) error {
	m.Status = StatusCancelled
	cancelledAt := today
	m.CancelledAt = &cancelledAt
	if err := r.store.UpdateMembership(ctx, m); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "membership cancelled for non-payment",
		slog.String("membership_id", m.ID.String()))
	return nil
}

func (r *Runner) lapse(ctx context.Context, org *Organization, m *Membership, today time.Time) error {
	m.Status = StatusLapsed
	if err := r.store.UpdateMembership(ctx, m); err != nil {
		return err
	}
	r.log.InfoContext(ctx, "membership lapsed",
		slog.String("membership_id", m.ID.String()),
		slog.Time("due_at", *m.NextDueAt))
	r.notify(ctx, m, mailer.TemplateMembershipLapsed, map[string]any{
		"member_name": m.FullName,
		"org_name":    org.Name,
		"due_date":    m.NextDueAt.Format("January 2, 2006"),
	})
	return nil
}

// ensureInvoice creates the pending payment for the due date unless one
// already exists. A payment row is never written without its invoice
// number: numbering failures abort creation entirely.
func (r *Runner) ensureInvoice(ctx context.Context, org *Organization, m *Membership, due, today time.Time, dryRun bool) (created bool, err error) {
	if _, err := r.store.PendingPaymentForDueDate(ctx, m.ID, due); err == nil {
		return false, nil
	} else if !IsNotFound(err) {
		return false, err
	}

	if dryRun {
		return true, nil
	}

	plan, err := r.store.Plan(ctx, m.PlanID)
	if err != nil {
		return false, err
	}
	base := plan.PriceFor(m.Frequency)
	if base <= 0 {
		return false, fmt.Errorf("%w: plan %s has no price for %s dues", ErrConfiguration, plan.ID, m.Frequency)
	}

	fees, err := feecalc.Calculate(base, org.PlatformFeeCents, org.PassFeesToMember)
	if err != nil {
		return false, err
	}

	number, err := r.invoices.Generate(ctx, org.ID, due)
	if err != nil {
		return false, fmt.Errorf("generate invoice number: %w", err)
	}

	months := period.MonthsFor(m.Frequency)
	end := period.PeriodEnd(due, m.Frequency)

	p := &Payment{
		ID:                uuid.New(),
		OrgID:             org.ID,
		MembershipID:      m.ID,
		Type:              PaymentDues,
		Status:            PaymentPending,
		AmountCents:       base,
		ProcessorFeeCents: fees.Breakdown.ProcessorFee,
		PlatformFeeCents:  fees.Breakdown.PlatformFee,
		TotalCents:        fees.ChargeAmount,
		NetCents:          fees.NetAmount,
		MonthsCredited:    months,
		InvoiceNumber:     number,
		DueAt:             due,
		PeriodStart:       due,
		PeriodEnd:         end,
		PeriodLabel:       period.PeriodLabel(due, m.Frequency),
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := r.store.CreatePayment(ctx, p); err != nil {
		if IsConflict(err) {
			// A concurrent run won the insert.
			return false, nil
		}
		return false, err
	}

	r.log.InfoContext(ctx, "invoice created",
		slog.String("org_id", org.ID.String()),
		slog.String("membership_id", m.ID.String()),
		slog.String("invoice_number", number),
		slog.String("period", p.PeriodLabel),
		slog.Int64("total_cents", p.TotalCents))

	if due.Before(today) {
		r.notify(ctx, m, mailer.TemplatePaymentOverdue, map[string]any{
			"member_name":    m.FullName,
			"org_name":       org.Name,
			"invoice_number": number,
			"amount":         formatCents(p.TotalCents),
			"period_label":   p.PeriodLabel,
		})
	}

	return true, nil
}

// maybeRemind sends at most one reminder per configured window. The
// payment's sent counter tracks how many windows have been honored, so a
// member entering several windows between runs still gets one reminder
// and later runs never re-send.
func (r *Runner) maybeRemind(ctx context.Context, org *Organization, m *Membership, due, today time.Time, dryRun bool) (int, error) {
	windows := org.ReminderDays
	if len(windows) == 0 {
		return 0, nil
	}

	daysUntil := int(due.Sub(today).Hours() / 24)

	crossed := 0
	for _, w := range windows {
		if daysUntil <= w {
			crossed++
		}
	}
	if crossed == 0 {
		return 0, nil
	}

	p, err := r.store.PendingPaymentForDueDate(ctx, m.ID, due)
	if err != nil {
		if IsNotFound(err) {
			// Already settled before the window opened.
			return 0, nil
		}
		return 0, err
	}
	if p.RemindersSent >= crossed {
		return 0, nil
	}

	if dryRun {
		return 1, nil
	}

	r.notify(ctx, m, mailer.TemplatePaymentReminder, map[string]any{
		"member_name":    m.FullName,
		"org_name":       org.Name,
		"invoice_number": p.InvoiceNumber,
		"amount":         formatCents(p.TotalCents),
		"due_date":       due.Format("January 2, 2006"),
		"days_until_due": daysUntil,
	})

	p.RemindersSent = crossed
	sentAt := time.Now().UTC()
	p.LastReminderAt = &sentAt
	if err := r.store.UpdatePayment(ctx, p); err != nil {
		return 0, err
	}
	return 1, nil
}

func (r *Runner) notify(ctx context.Context, m *Membership, tpl mailer.Template, vars map[string]any) {
	if r.notifier == nil || m.Email == "" {
		return
	}
	if _, err := r.notifier.Send(ctx, mailer.Notification{
		Template:  tpl,
		To:        m.Email,
		Language:  m.Language,
		Variables: vars,
	}); err != nil {
		r.log.WarnContext(ctx, "notification failed",
			slog.String("membership_id", m.ID.String()),
			slog.String("template", string(tpl)),
			slog.Any("error", err))
	}
}
