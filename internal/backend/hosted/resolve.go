package hosted

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Match describes how a voice reference was resolved.
type Match int

// Resolution strategies, strongest first.
const (
	MatchNone Match = iota
	MatchID
	MatchName
	MatchFold
	MatchPhonetic
	MatchFuzzy
)

func (m Match) String() string {
	switch m {
	case MatchID:
		return "id"
	case MatchName:
		return "name"
	case MatchFold:
		return "case-insensitive"
	case MatchPhonetic:
		return "phonetic"
	case MatchFuzzy:
		return "fuzzy"
	default:
		return "none"
	}
}

// ResolverOption configures a [VoiceResolver].
type ResolverOption func(*VoiceResolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a voice whose
// Double Metaphone codes overlap the query. Default: 0.70.
func WithPhoneticThreshold(t float64) ResolverOption {
	return func(r *VoiceResolver) { r.phonetic = t }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// candidate exists. Default: 0.85.
func WithFuzzyThreshold(t float64) ResolverOption {
	return func(r *VoiceResolver) { r.fuzzy = t }
}

// VoiceResolver maps a caller's voice reference onto a catalog entry. Callers
// may pass the voice id, the display name or a misspelling of it ("Rachael"
// for "Rachel"). Read-only after construction.
type VoiceResolver struct {
	phonetic float64
	fuzzy    float64
}

// NewVoiceResolver returns a resolver with the default thresholds.
func NewVoiceResolver(opts ...ResolverOption) *VoiceResolver {
	r := &VoiceResolver{phonetic: defaultPhoneticThreshold, fuzzy: defaultFuzzyThreshold}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds ref in voices. Exact id and exact name win over a
// case-insensitive name, which wins over a phonetic candidate, which wins
// over plain string similarity.
func (r *VoiceResolver) Resolve(ref string, voices []Voice) (Voice, Match) {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(voices) == 0 {
		return Voice{}, MatchNone
	}
	for _, v := range voices {
		if v.ID == ref {
			return v, MatchID
		}
	}
	for _, v := range voices {
		if v.Name == ref {
			return v, MatchName
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, ref) {
			return v, MatchFold
		}
	}

	refLower := strings.ToLower(ref)
	refTokens := strings.Fields(refLower)
	refCodes := codesForTokens(refTokens)

	var (
		best      Voice
		bestScore float64
		bestKind  = MatchNone
	)
	for _, v := range voices {
		nameLower := strings.ToLower(strings.TrimSpace(v.Name))
		if nameLower == "" {
			continue
		}
		nameTokens := strings.Fields(nameLower)
		score := bestJWScore(refTokens, nameTokens, refLower, nameLower)

		if codesOverlap(refCodes, codesForTokens(nameTokens)) {
			if score >= r.phonetic && (bestKind != MatchPhonetic || score > bestScore) {
				best, bestScore, bestKind = v, score, MatchPhonetic
			}
		} else if bestKind != MatchPhonetic && score >= r.fuzzy && score > bestScore {
			best, bestScore, bestKind = v, score, MatchFuzzy
		}
	}
	return best, bestKind
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity across the full
// strings, the space-stripped strings and every token pair.
func bestJWScore(refTokens, nameTokens []string, refFull, nameFull string) float64 {
	score := matchr.JaroWinkler(refFull, nameFull, false)
	if len(refTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(refTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	for _, a := range refTokens {
		for _, b := range nameTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
