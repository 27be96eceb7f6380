package hubsim

// Twin is the simulator's copy of a device twin
type Twin struct {
	Desired         map[string]any `json:"desired"`
	DesiredVersion  int            `json:"desired_version"`
	Reported        map[string]any `json:"reported"`
	ReportedVersion int            `json:"reported_version"`
}

func newTwin() *Twin {
	return &Twin{
		Desired:         map[string]any{},
		DesiredVersion:  1,
		Reported:        map[string]any{},
		ReportedVersion: 1,
	}
}

// Document renders the twin as returned to a device on GET:
// {"desired":{...,"$version":n},"reported":{...,"$version":m}}
func (t *Twin) Document() map[string]any {
	return map[string]any{
		"desired":  withVersion(t.Desired, t.DesiredVersion),
		"reported": withVersion(t.Reported, t.ReportedVersion),
	}
}

// PatchDesired merges patch into the desired section and returns the
// versioned patch sent to the device
func (t *Twin) PatchDesired(patch map[string]any) map[string]any {
	mergePatch(t.Desired, patch)
	t.DesiredVersion++
	return withVersion(patch, t.DesiredVersion)
}

// PatchReported merges a device patch into the reported section
func (t *Twin) PatchReported(patch map[string]any) int {
	mergePatch(t.Reported, patch)
	t.ReportedVersion++
	return t.ReportedVersion
}

func withVersion(props map[string]any, version int) map[string]any {
	out := make(map[string]any, len(props)+1)
	for k, v := range props {
		out[k] = clone(v)
	}
	out["$version"] = version
	return out
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = clone(e)
		}
		return out
	default:
		return v
	}
}

// mergePatch applies JSON merge patch semantics: objects merge
// recursively and null removes a property
func mergePatch(dst, patch map[string]any) {
	for k, v := range patch {
		if k == "$version" {
			continue
		}
		if v == nil {
			delete(dst, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			existing, ok := dst[k].(map[string]any)
			if !ok {
				existing = map[string]any{}
				dst[k] = existing
			}
			mergePatch(existing, sub)
			continue
		}
		dst[k] = clone(v)
	}
}
