// Package sequence allocates gapless reference numbers and formats the
// licence, certificate and case references built from them.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

// Table is the counter table every allocation locks.
const Table = "sequence_counters"

// LicencePrefix is the counter shared by every import licence.
const LicencePrefix = "IMA_LICENCE"

const checkAlphabet = "ABCDEFGHXJKLM"

type Allocator struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (a Allocator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// Next increments the counter for prefix (and the current year when useYear
// is set) and returns the year bucket and the new value.
func (a Allocator) Next(ctx context.Context, tx *lock.Tx, prefix string, useYear bool) (int, int64, error) {
	if prefix == "" {
		return 0, 0, errors.New("sequence prefix is required")
	}
	if err := tx.Lock(ctx, Table); err != nil {
		return 0, 0, err
	}
	year := 0
	if useYear {
		year = a.now().Year()
	}
	c, err := a.Repo.LockCounter(ctx, tx, prefix, year)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		c.Value = 1
		if err := a.Repo.InsertCounter(ctx, tx, c); err != nil {
			return 0, 0, fmt.Errorf("insert counter %s/%d: %w", prefix, year, err)
		}
	case err != nil:
		return 0, 0, fmt.Errorf("read counter %s/%d: %w", prefix, year, err)
	default:
		c.Value++
		if err := a.Repo.UpdateCounter(ctx, tx, c); err != nil {
			return 0, 0, fmt.Errorf("update counter %s/%d: %w", prefix, year, err)
		}
	}
	return year, c.Value, nil
}

// Allocate returns the next reference formatted as prefix[/year]/value.
func (a Allocator) Allocate(ctx context.Context, tx *lock.Tx, prefix string, useYear bool, minDigits int) (string, error) {
	year, value, err := a.Next(ctx, tx, prefix, useYear)
	if err != nil {
		return "", err
	}
	return Format(prefix, year, value, minDigits), nil
}

// Format renders prefix[/year]/value with value zero padded to minDigits.
// A zero year is omitted.
func Format(prefix string, year int, value int64, minDigits int) string {
	if minDigits < 1 {
		minDigits = 1
	}
	if year == 0 {
		return fmt.Sprintf("%s/%0*d", prefix, minDigits, value)
	}
	return fmt.Sprintf("%s/%d/%0*d", prefix, year, minDigits, value)
}

func CheckDigit(n int64) byte {
	return checkAlphabet[n%int64(len(checkAlphabet))]
}

func ElectronicLicence(category string, n int64) string {
	return fmt.Sprintf("GB%s%07d%c", category, n, CheckDigit(n))
}

func PaperLicence(n int64) string {
	return fmt.Sprintf("%07d%c", n, CheckDigit(n))
}

func Certificate(certType string, year int, n int64) string {
	return fmt.Sprintf("%s/%d/%05d", certType, year, n)
}

// LicenceReference allocates an import licence number for p.
func (a Allocator) LicenceReference(ctx context.Context, tx *lock.Tx, p domain.Process) (string, error) {
	v, err := domain.VariantOf(p.ProcessType)
	if err != nil {
		return "", err
	}
	if v.Family != domain.FamilyImport {
		return "", fmt.Errorf("%s does not issue licences", p.ProcessType)
	}
	_, n, err := a.Next(ctx, tx, LicencePrefix, false)
	if err != nil {
		return "", err
	}
	if p.PaperLicenceOnly {
		return PaperLicence(n), nil
	}
	return ElectronicLicence(v.Category, n), nil
}

// CertificateReference allocates an export certificate number for p.
func (a Allocator) CertificateReference(ctx context.Context, tx *lock.Tx, p domain.Process) (string, error) {
	v, err := domain.VariantOf(p.ProcessType)
	if err != nil {
		return "", err
	}
	if v.Family != domain.FamilyExport {
		return "", fmt.Errorf("%s does not issue certificates", p.ProcessType)
	}
	year, n, err := a.Next(ctx, tx, v.Category, true)
	if err != nil {
		return "", err
	}
	return Certificate(v.Category, year, n), nil
}

// CaseReference allocates IMA/<year>/<n> for imports and CA/<year>/<n> for exports.
func (a Allocator) CaseReference(ctx context.Context, tx *lock.Tx, p domain.Process) (string, error) {
	v, err := domain.VariantOf(p.ProcessType)
	if err != nil {
		return "", err
	}
	prefix := "IMA"
	if v.Family == domain.FamilyExport {
		prefix = "CA"
	}
	return a.Allocate(ctx, tx, prefix, true, 5)
}

// VariationReference suffixes the variation number onto a case reference.
func VariationReference(caseRef string, variationNo int) string {
	if variationNo <= 0 {
		return caseRef
	}
	return fmt.Sprintf("%s/%d", caseRef, variationNo)
}
