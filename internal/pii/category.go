package pii

import "fmt"

type Category string

const (
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategorySSN         Category = "ssn"
	CategoryCreditCard  Category = "credit_card"
	CategoryAddress     Category = "address"
	CategoryName        Category = "name"
	CategoryDateOfBirth Category = "date_of_birth"
)

type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// categoryPriority orders categories for overlap resolution: earlier wins.
var categoryPriority = []Category{
	CategorySSN,
	CategoryCreditCard,
	CategoryEmail,
	CategoryPhone,
	CategoryDateOfBirth,
	CategoryAddress,
	CategoryName,
}

func ParseCategory(raw string) (Category, error) {
	for _, category := range categoryPriority {
		if string(category) == raw {
			return category, nil
		}
	}
	return "", fmt.Errorf("unknown pii category %q", raw)
}

func (c Category) Risk() RiskLevel {
	switch c {
	case CategorySSN, CategoryCreditCard:
		return RiskHigh
	case CategoryEmail, CategoryPhone, CategoryAddress, CategoryDateOfBirth:
		return RiskMedium
	case CategoryName:
		return RiskLow
	default:
		return RiskNone
	}
}

// Removed reports whether values of this category are dropped instead of masked.
func (c Category) Removed() bool {
	return c.Risk() == RiskHigh
}

func (c Category) priority() int {
	for i, category := range categoryPriority {
		if category == c {
			return i
		}
	}
	return len(categoryPriority)
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return RiskNone
	}
	return a
}
