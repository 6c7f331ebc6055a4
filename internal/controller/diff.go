package controller

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// diffTags compares the desired tag map against the last observed remote
// tags and returns the partial patch to converge them: keys to set (new or
// changed values) and keys to remove. Keys untouched by the patch are left
// alone remotely, so callers apply a merge, never a full replace.
//
// Tag removal through the CR uses absence: a key deleted from spec.tags (a
// null value in a merge patch drops the key server-side) shows up here as a
// removed key.
func diffTags(desired, observed map[string]string) (set map[string]string, remove []string) {
	set = map[string]string{}
	for k, v := range desired {
		if ov, ok := observed[k]; !ok || ov != v {
			set[k] = v
		}
	}
	for k := range observed {
		if _, ok := desired[k]; !ok {
			remove = append(remove, k)
		}
	}
	sort.Strings(remove)
	return set, remove
}

// configChanged reports whether the desired configuration blob requires a
// put. The comparison is byte-exact against the blob the service last
// accepted. A nil observed value means no configuration was ever accepted
// (e.g. after a failed creation), so any desired blob must be pushed.
func configChanged(desired string, observed *string) bool {
	if observed == nil {
		return true
	}
	return desired != *observed
}

// specHash fingerprints the desired fields relevant to remote convergence.
// The observed-state cache stores it alongside the remote status so a
// reconcile of an unchanged, converged object can skip the remote describe.
func specHash(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// tagsHash folds a tag map into a deterministic string for specHash.
func tagsHash(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(tags[k]))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
