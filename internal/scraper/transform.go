package scraper

import "fmt"

// Transform post-processes one parsed record before storage. A source may
// name at most one transform in its config; it is applied uniformly to all
// of that source's records.
type Transform func(Record) Record

// Built-in transforms, looked up by name at config load so an unknown name
// fails fast instead of at run time.
var transforms = map[string]Transform{
	// The Regione Umbria bulletin publishes broken record URLs while the
	// attachment URLs work, so the record URL is dropped.
	"drop_url": func(r Record) Record {
		r.URL = ""
		return r
	},
}

// LookupTransform resolves a configured transform name. The empty name is
// the identity (no transform).
func LookupTransform(name string) (Transform, error) {
	if name == "" {
		return nil, nil
	}
	t, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return t, nil
}
