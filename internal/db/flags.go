package db

import "strings"

// ResultFlag is the canonical abnormal-flag vocabulary. The empty flag means
// no flag was reported or the instrument value was not recognized.
type ResultFlag string

const (
	FlagNone     ResultFlag = ""
	FlagNormal   ResultFlag = "N"
	FlagHigh     ResultFlag = "H"
	FlagLow      ResultFlag = "L"
	FlagCritHigh ResultFlag = "HH"
	FlagCritLow  ResultFlag = "LL"
	FlagPositive ResultFlag = "POS"
	FlagNegative ResultFlag = "NEG"
	FlagAbnormal ResultFlag = "ABN"
)

var flagVocabulary = map[string]ResultFlag{
	"N":             FlagNormal,
	"NORMAL":        FlagNormal,
	"H":             FlagHigh,
	"HIGH":          FlagHigh,
	"L":             FlagLow,
	"LOW":           FlagLow,
	"HH":            FlagCritHigh,
	"H*":            FlagCritHigh,
	"CRITICAL HIGH": FlagCritHigh,
	"PANIC HIGH":    FlagCritHigh,
	"LL":            FlagCritLow,
	"L*":            FlagCritLow,
	"CRITICAL LOW":  FlagCritLow,
	"PANIC LOW":     FlagCritLow,
	"POS":           FlagPositive,
	"+":             FlagPositive,
	"POSITIVE":      FlagPositive,
	"REACTIVE":      FlagPositive,
	"DET":           FlagPositive,
	"DETECTED":      FlagPositive,
	"NEG":           FlagNegative,
	"-":             FlagNegative,
	"NEGATIVE":      FlagNegative,
	"NONREACTIVE":   FlagNegative,
	"NON-REACTIVE":  FlagNegative,
	"ND":            FlagNegative,
	"NOT DETECTED":  FlagNegative,
	"A":             FlagAbnormal,
	"AA":            FlagAbnormal,
	"ABN":           FlagAbnormal,
	"ABNORMAL":      FlagAbnormal,
}

// NormalizeFlag maps an instrument flag onto the canonical vocabulary.
// Unknown values yield FlagNone.
func NormalizeFlag(raw string) ResultFlag {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return FlagNone
	}
	return flagVocabulary[key]
}
