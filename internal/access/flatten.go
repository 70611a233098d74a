package access

import (
	"encoding/json"

	"corvel.app/internal/session"
)

// legacyDoc is the nested permission form some accounts still carry:
// {"modules": {"vma": {"employees": ["manage", "*"], "*": []}}}.
type legacyDoc struct {
	Modules map[string]map[string][]string `json:"modules"`
}

// Flatten converts a user's persisted permission column into the
// cache-resident form. Flat key→bool maps become qualified
// "module.<key>" entries. The legacy nested form is flattened where the
// entries are concrete and kept verbatim for the wildcard fallback.
func Flatten(doc []byte) *session.Permissions {
	perms := &session.Permissions{Flat: map[string]bool{}}
	if len(doc) == 0 {
		return perms
	}

	var legacy legacyDoc
	if err := json.Unmarshal(doc, &legacy); err == nil && len(legacy.Modules) > 0 {
		for mod, subs := range legacy.Modules {
			for sub, actions := range subs {
				if sub == "*" {
					continue
				}
				for _, action := range actions {
					if action == "*" {
						continue
					}
					perms.Flat[flatPrefix+mod+"."+sub+"."+action] = true
				}
			}
		}
		perms.Legacy = append(json.RawMessage(nil), doc...)
		return perms
	}

	var flat map[string]any
	if err := json.Unmarshal(doc, &flat); err == nil {
		for key, v := range flat {
			allowed, ok := v.(bool)
			if key == "" || !ok || !allowed {
				continue
			}
			perms.Flat[flatPrefix+key] = true
		}
	}
	return perms
}

// matchesLegacy walks the nested document. Segment layout is
// module / submodule / action; "*" grants a whole submodule or every
// action under one.
func matchesLegacy(raw json.RawMessage, segments []string) bool {
	if len(raw) == 0 || len(segments) < 2 {
		return false
	}
	var doc legacyDoc
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Modules) == 0 {
		return false
	}
	subs, ok := doc.Modules[segments[0]]
	if !ok {
		return false
	}
	if _, ok := subs["*"]; ok {
		return true
	}
	actions, ok := subs[segments[1]]
	if !ok {
		return false
	}
	if len(segments) == 2 {
		return true
	}
	want := segments[2]
	for _, action := range actions {
		if action == "*" || action == want {
			return true
		}
	}
	return false
}
