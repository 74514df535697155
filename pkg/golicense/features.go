package golicense

import (
	"sort"
	"strings"
)

// Flag is a boolean feature granted by a license.
type Flag string

const (
	FlagUnlimitedCredits Flag = "unlimited_credits"
	FlagTemplatesLibrary Flag = "templates_library"
	FlagAgencyFeatures   Flag = "agency_features"
	FlagClientPortal     Flag = "client_portal"
	FlagResellerLicense  Flag = "reseller_license"
	FlagWhiteLabel       Flag = "white_label"
	FlagAllFeatures      Flag = "all_features"
)

// Collection is a feature whose value is a set of members, e.g. the AI models
// a user may select.
type Collection string

const (
	CollectionAIModels  Collection = "ai_models"
	CollectionAdFormats Collection = "ad_formats"
)

var knownFlags = map[Flag]struct{}{
	FlagUnlimitedCredits: {},
	FlagTemplatesLibrary: {},
	FlagAgencyFeatures:   {},
	FlagClientPortal:     {},
	FlagResellerLicense:  {},
	FlagWhiteLabel:       {},
	FlagAllFeatures:      {},
}

var knownCollections = map[Collection]struct{}{
	CollectionAIModels:  {},
	CollectionAdFormats: {},
}

// Features is the typed feature record granted by one product or resolved
// for a user. Boolean flags and set-valued collections are kept apart so
// callers never have to guess the shape of a feature value.
type Features struct {
	flags       map[Flag]struct{}
	collections map[Collection]map[string]struct{}
}

// NewFeatures builds a Features record from flags.
func NewFeatures(flags ...Flag) Features {
	f := Features{}
	for _, fl := range flags {
		f = f.WithFlag(fl)
	}
	return f
}

// WithFlag returns a copy of f with the flag set.
func (f Features) WithFlag(flag Flag) Features {
	out := f.clone()
	if out.flags == nil {
		out.flags = make(map[Flag]struct{})
	}
	out.flags[flag] = struct{}{}
	return out
}

// WithMembers returns a copy of f with members added to a collection.
func (f Features) WithMembers(c Collection, members ...string) Features {
	out := f.clone()
	if out.collections == nil {
		out.collections = make(map[Collection]map[string]struct{})
	}
	set, ok := out.collections[c]
	if !ok {
		set = make(map[string]struct{}, len(members))
		out.collections[c] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return out
}

// Union returns the union of f and other. Neither input is modified.
func (f Features) Union(other Features) Features {
	out := f.clone()
	for fl := range other.flags {
		if out.flags == nil {
			out.flags = make(map[Flag]struct{})
		}
		out.flags[fl] = struct{}{}
	}
	for c, members := range other.collections {
		if out.collections == nil {
			out.collections = make(map[Collection]map[string]struct{})
		}
		set, ok := out.collections[c]
		if !ok {
			set = make(map[string]struct{}, len(members))
			out.collections[c] = set
		}
		for m := range members {
			set[m] = struct{}{}
		}
	}
	return out
}

// Has reports whether a boolean flag is granted.
func (f Features) Has(flag Flag) bool {
	_, ok := f.flags[flag]
	return ok
}

// Contains reports whether member is part of the collection.
func (f Features) Contains(c Collection, member string) bool {
	_, ok := f.collections[c][member]
	return ok
}

// Members returns the sorted members of a collection.
func (f Features) Members(c Collection) []string {
	set := f.collections[c]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Flags returns the granted flags in sorted order.
func (f Features) Flags() []Flag {
	out := make([]Flag, 0, len(f.flags))
	for fl := range f.flags {
		out = append(out, fl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsEmpty reports whether nothing is granted.
func (f Features) IsEmpty() bool {
	if len(f.flags) > 0 {
		return false
	}
	for _, set := range f.collections {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// Equal reports whether both records grant exactly the same features.
func (f Features) Equal(other Features) bool {
	if len(f.flags) != len(other.flags) {
		return false
	}
	for fl := range f.flags {
		if !other.Has(fl) {
			return false
		}
	}
	seen := 0
	for c, set := range f.collections {
		if len(set) == 0 {
			continue
		}
		seen++
		if len(other.collections[c]) != len(set) {
			return false
		}
		for m := range set {
			if !other.Contains(c, m) {
				return false
			}
		}
	}
	for _, set := range other.collections {
		if len(set) > 0 {
			seen--
		}
	}
	return seen == 0
}

// Map renders the record in its external shape: flags as true, collections
// as sorted member lists.
func (f Features) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(f.flags)+len(f.collections))
	for fl := range f.flags {
		out[string(fl)] = true
	}
	for c := range f.collections {
		out[string(c)] = f.Members(c)
	}
	return out
}

func (f Features) clone() Features {
	out := Features{}
	if f.flags != nil {
		out.flags = make(map[Flag]struct{}, len(f.flags))
		for fl := range f.flags {
			out.flags[fl] = struct{}{}
		}
	}
	if f.collections != nil {
		out.collections = make(map[Collection]map[string]struct{}, len(f.collections))
		for c, set := range f.collections {
			cp := make(map[string]struct{}, len(set))
			for m := range set {
				cp[m] = struct{}{}
			}
			out.collections[c] = cp
		}
	}
	return out
}

// FeatureQuery is a parsed feature lookup. Exactly one of Flag or Collection
// is set. A Collection query without Member asks whether any member is granted.
type FeatureQuery struct {
	Flag       Flag
	Collection Collection
	Member     string
}

// ParseFeatureQuery parses the external query form: a flat flag name such as
// "white_label", or a namespaced collection lookup such as "ai_models.gpt-4".
// Only the first dot separates the namespace, so members may contain dots.
func ParseFeatureQuery(name string) (FeatureQuery, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return FeatureQuery{}, ErrUnknownFeature
	}

	ns, member, dotted := strings.Cut(name, ".")
	if !dotted {
		if _, ok := knownFlags[Flag(name)]; ok {
			return FeatureQuery{Flag: Flag(name)}, nil
		}
		if _, ok := knownCollections[Collection(name)]; ok {
			return FeatureQuery{Collection: Collection(name)}, nil
		}
		return FeatureQuery{}, ErrUnknownFeature
	}

	if _, ok := knownCollections[Collection(ns)]; !ok || member == "" {
		return FeatureQuery{}, ErrUnknownFeature
	}
	return FeatureQuery{Collection: Collection(ns), Member: member}, nil
}

// Eval evaluates the query against a feature record.
func (q FeatureQuery) Eval(f Features) bool {
	if q.Collection != "" {
		if q.Member == "" {
			return len(f.collections[q.Collection]) > 0
		}
		return f.Contains(q.Collection, q.Member)
	}
	return f.Has(q.Flag)
}

// String returns the external form of the query.
func (q FeatureQuery) String() string {
	switch {
	case q.Collection != "" && q.Member != "":
		return string(q.Collection) + "." + q.Member
	case q.Collection != "":
		return string(q.Collection)
	}
	return string(q.Flag)
}
