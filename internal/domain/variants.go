package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownProcessType = errors.New("unknown process type")

// Process types.
const (
	TypeFirearmsDFL = "FA_DFL"
	TypeFirearmsOIL = "FA_OIL"
	TypeFirearmsSIL = "FA_SIL"
	TypeSanctions   = "SANCTIONS"
	TypeSPS         = "SPS"
	TypeTextiles    = "TEXTILES"
	TypeWoodQuota   = "WOOD_QUOTA"
	TypeCFS         = "CFS"
	TypeCOM         = "COM"
	TypeGMP         = "GMP"
)

const (
	FamilyImport = "import"
	FamilyExport = "export"
)

// Variant is the static description of one process type.
type Variant struct {
	Type string
	// Family selects the case reference prefix.
	Family string
	// Category is the licence category code, or the certificate type code for exports.
	Category  string
	Documents []string
	// PerCountry issues one certificate per destination country.
	PerCountry     bool
	NeedsAuthority bool
}

// ProcessTypes lists every known process type.
func ProcessTypes() []string {
	return []string{
		TypeFirearmsDFL, TypeFirearmsOIL, TypeFirearmsSIL, TypeSanctions, TypeSPS,
		TypeTextiles, TypeWoodQuota, TypeCFS, TypeCOM, TypeGMP,
	}
}

// VariantOf resolves the variant table entry for a process type.
func VariantOf(processType string) (Variant, error) {
	licence := []string{DocLicence}
	withCover := []string{DocLicence, DocCoverLetter}
	certificate := []string{DocCertificate}
	switch processType {
	case TypeFirearmsDFL:
		return Variant{Type: processType, Family: FamilyImport, Category: "SIL", Documents: withCover, NeedsAuthority: true}, nil
	case TypeFirearmsOIL:
		return Variant{Type: processType, Family: FamilyImport, Category: "OIL", Documents: withCover, NeedsAuthority: true}, nil
	case TypeFirearmsSIL:
		return Variant{Type: processType, Family: FamilyImport, Category: "SIL", Documents: withCover, NeedsAuthority: true}, nil
	case TypeSanctions:
		return Variant{Type: processType, Family: FamilyImport, Category: "SAN", Documents: licence, NeedsAuthority: true}, nil
	case TypeSPS:
		return Variant{Type: processType, Family: FamilyImport, Category: "AOG", Documents: licence}, nil
	case TypeTextiles:
		return Variant{Type: processType, Family: FamilyImport, Category: "TEX", Documents: licence}, nil
	case TypeWoodQuota:
		return Variant{Type: processType, Family: FamilyImport, Category: "WOD", Documents: licence}, nil
	case TypeCFS:
		return Variant{Type: processType, Family: FamilyExport, Category: "CFS", Documents: certificate, PerCountry: true}, nil
	case TypeCOM:
		return Variant{Type: processType, Family: FamilyExport, Category: "COM", Documents: certificate, PerCountry: true}, nil
	case TypeGMP:
		return Variant{Type: processType, Family: FamilyExport, Category: "GMP", Documents: certificate}, nil
	default:
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownProcessType, processType)
	}
}

// RequiresAuthority reports whether an issued pack of p must be confirmed externally.
func RequiresAuthority(p Process) (bool, error) {
	v, err := VariantOf(p.ProcessType)
	if err != nil {
		return false, err
	}
	return v.NeedsAuthority && !p.PaperLicenceOnly, nil
}
