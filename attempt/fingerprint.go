package attempt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// cacheableHeaders lists the request headers whose value participates in a
// computed cache fingerprint. Most headers (authorization, request ids,
// user agents) must NOT affect cache identity, or two requests that differ
// only in an auth token would never share a cache entry; spec.md §3 scopes
// the cache key to "sorted cacheable headers" for exactly this reason.
var cacheableHeaders = map[string]bool{
	"accept":          true,
	"accept-language": true,
	"content-type":    true,
}

// computeFingerprint derives the cache key spec.md §3 describes: canonical
// method+URL+sorted-cacheable-headers+body-hash for a REQUEST item, or
// function-identity+args for a FUNCTION item. This is the Cache Policy
// Unit's own responsibility — it runs only when the caller has not set
// Config.Fingerprint explicitly.
func computeFingerprint(item *Item) string {
	switch item.Kind {
	case ItemKindRequest:
		return fingerprintRequest(item.Request)
	case ItemKindFunction:
		return fingerprintFunction(item.Function)
	default:
		return ""
	}
}

func fingerprintRequest(req *RequestDescriptor) string {
	if req == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s://%s:%d%s", strings.ToUpper(req.Method), req.Protocol, req.Host, req.Port, req.Path)

	if len(req.Query) > 0 {
		b.WriteString("?")
		for i, k := range sortedKeys(req.Query) {
			if i > 0 {
				b.WriteString("&")
			}
			fmt.Fprintf(&b, "%s=%s", k, req.Query[k])
		}
	}

	var headerKeys []string
	for k := range req.Headers {
		if cacheableHeaders[strings.ToLower(k)] {
			headerKeys = append(headerKeys, k)
		}
	}
	sort.Strings(headerKeys)
	for _, k := range headerKeys {
		fmt.Fprintf(&b, "|%s=%s", strings.ToLower(k), req.Headers[k])
	}

	b.WriteString("|body=")
	b.WriteString(hashBody(req.Body))
	return b.String()
}

func fingerprintFunction(fn *FunctionDescriptor) string {
	if fn == nil || fn.Fn == nil {
		return ""
	}
	raw, err := json.Marshal(fn.Args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", fn.Args))
	}
	return fmt.Sprintf("fn:%p|args=%s", fn.Fn, raw)
}

func hashBody(body interface{}) string {
	if body == nil {
		return ""
	}
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", body))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
