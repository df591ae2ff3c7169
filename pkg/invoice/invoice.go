// Package invoice generates collision-free, human-readable invoice numbers
// of the form INV-{CODE}-{YYYYMM}-{SEQ}, where CODE is derived from the
// organization's name and SEQ comes from an atomic per-organization,
// per-month counter.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	// ErrOrganizationNotFound is returned when the organization behind an
	// invoice number cannot be resolved.
	ErrOrganizationNotFound = errors.New("invoice: organization not found")
	// ErrSequence is returned when the atomic sequence counter fails.
	// Callers must never create a payment record without a valid invoice
	// number.
	ErrSequence = errors.New("invoice: failed to advance invoice sequence")
)

// OrganizationDirectory resolves organization names for code derivation.
type OrganizationDirectory interface {
	OrganizationName(ctx context.Context, orgID uuid.UUID) (string, error)
}

// SequenceStore hands out strictly increasing sequence numbers per
// (organization, year-month) pair. Implementations must be atomic under
// concurrent callers: a single round-trip insert-or-increment, never an
// application-level read-then-write.
type SequenceStore interface {
	NextSequence(ctx context.Context, orgID uuid.UUID, yearMonth string) (int, error)
}

// Service generates invoice numbers.
type Service struct {
	orgs OrganizationDirectory
	seqs SequenceStore
}

func NewService(orgs OrganizationDirectory, seqs SequenceStore) *Service {
	if orgs == nil {
		panic("invoice: OrganizationDirectory is required")
	}
	if seqs == nil {
		panic("invoice: SequenceStore is required")
	}
	return &Service{orgs: orgs, seqs: seqs}
}

// Generate produces the next invoice number for the organization and
// billing date, e.g. INV-OF-202501-0001. The sequence is zero-padded to
// four digits and grows beyond four digits without truncation.
func (s *Service) Generate(ctx context.Context, orgID uuid.UUID, billingDate time.Time) (string, error) {
	name, err := s.orgs.OrganizationName(ctx, orgID)
	if err != nil {
		return "", errors.Join(ErrOrganizationNotFound, err)
	}

	yearMonth := billingDate.Format("200601")

	seq, err := s.seqs.NextSequence(ctx, orgID, yearMonth)
	if err != nil {
		return "", errors.Join(ErrSequence, err)
	}

	return fmt.Sprintf("INV-%s-%s-%04d", OrgCode(name), yearMonth, seq), nil
}

// Leading tokens stripped before deriving the organization code. Most
// tenants are Islamic centers, so the shared prefix carries no information.
var strippedPrefixes = []string{"islamic center", "islamic centre", "ic "}

// OrgCode derives a short uppercase code from an organization name: strip a
// leading "Islamic Center"/"Islamic Centre"/"IC" token, split the remainder
// on whitespace and hyphens, and take the first letter of the first two
// words. A single remaining word contributes its first two letters. Names
// that strip to nothing fall back to "IC".
func OrgCode(name string) string {
	trimmed := strings.TrimSpace(name)
	lower := strings.ToLower(trimmed)
	for _, prefix := range strippedPrefixes {
		if strings.HasPrefix(lower, prefix) {
			trimmed = strings.TrimSpace(trimmed[len(prefix):])
			break
		}
	}
	if strings.EqualFold(trimmed, "ic") {
		trimmed = ""
	}

	words := strings.FieldsFunc(trimmed, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-'
	})

	switch len(words) {
	case 0:
		return "IC"
	case 1:
		runes := []rune(words[0])
		if len(runes) == 1 {
			return strings.ToUpper(string(runes[0]))
		}
		return strings.ToUpper(string(runes[:2]))
	default:
		first := []rune(words[0])
		second := []rune(words[1])
		return strings.ToUpper(string(first[0]) + string(second[0]))
	}
}
