package validate

import "github.com/munigrid/mandate/pkg/decision"

// actionStrings assembles every string-bearing surface of the action payload
// for the injection screen: scalar fields, targets, trigger evidence, and
// the metadata tree.
func actionStrings(a *decision.Action) []interface{} {
	vals := []interface{}{a.Mode, a.Intent, a.RequestID}
	for _, t := range a.Targets {
		vals = append(vals, t)
	}
	if a.Trigger != nil {
		vals = append(vals, a.Trigger.Type)
		if a.Trigger.Evidence != nil {
			vals = append(vals, a.Trigger.Evidence.Statute, a.Trigger.Evidence.PolicyKey, a.Trigger.Evidence.Details)
		}
	}
	if a.Metadata != nil {
		vals = append(vals, a.Metadata)
	}
	return vals
}

// walkStrings visits every string value reachable from v, descending into
// maps and slices.
func walkStrings(v interface{}, fn func(string)) {
	switch val := v.(type) {
	case string:
		if val != "" {
			fn(val)
		}
	case []string:
		for _, item := range val {
			if item != "" {
				fn(item)
			}
		}
	case []interface{}:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case map[string]interface{}:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}
