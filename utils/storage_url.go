package utils

import (
	"net/url"
	"os"
	"strings"
)

// BuildObjectAccessURL renders the URL a stored object is reachable at.
// STORAGE_ACCESS_BASE_URL overrides the public GCS host, either with a
// {objectKey} placeholder or as a prefix.
func BuildObjectAccessURL(bucket, objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		if strings.Contains(base, "{objectKey}") {
			escaped := objectKey
			if strings.Contains(base, "?") {
				escaped = url.QueryEscape(objectKey)
			}
			return strings.ReplaceAll(base, "{objectKey}", escaped)
		}
		if strings.Contains(base, "?") {
			return base + url.QueryEscape(objectKey)
		}
		return strings.TrimRight(base, "/") + "/" + objectKey
	}
	return gcsPublicHost + "/" + bucket + "/" + objectKey
}

// ExtractObjectKeyFromURL reverses BuildObjectAccessURL and also accepts
// gs:// URLs, the public GCS host forms and bare object keys. It returns ""
// when rawURL does not name an object in bucket.
func ExtractObjectKeyFromURL(bucket, rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "/") && strings.Contains(rawURL, "/") {
		if strings.Contains(rawURL, "..") {
			return ""
		}
		return rawURL
	}

	if strings.HasPrefix(rawURL, "gs://") {
		parts := strings.SplitN(strings.TrimPrefix(rawURL, "gs://"), "/", 2)
		if len(parts) == 2 && parts[0] == bucket {
			return parts[1]
		}
		return ""
	}

	if base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL")); base != "" {
		if key := keyFromAccessBase(base, rawURL); key != "" {
			return key
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Host)
	p := strings.TrimPrefix(parsed.Path, "/")
	switch {
	case host == "storage.googleapis.com" || host == "storage.cloud.google.com":
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 2 && parts[0] == bucket && parts[1] != "" {
			return parts[1]
		}
	case host == bucket+".storage.googleapis.com":
		return p
	}
	return ""
}

func keyFromAccessBase(base, rawURL string) string {
	if strings.Contains(base, "{objectKey}") {
		parts := strings.SplitN(base, "{objectKey}", 2)
		if strings.HasPrefix(rawURL, parts[0]) && strings.HasSuffix(rawURL, parts[1]) && len(rawURL) > len(parts[0])+len(parts[1]) {
			trimmed := strings.TrimSuffix(strings.TrimPrefix(rawURL, parts[0]), parts[1])
			if decoded, err := url.QueryUnescape(trimmed); err == nil {
				return decoded
			}
			return trimmed
		}
		return ""
	}
	if strings.Contains(base, "?") {
		if strings.HasPrefix(rawURL, base) {
			if decoded, err := url.QueryUnescape(strings.TrimPrefix(rawURL, base)); err == nil {
				return decoded
			}
		}
		return ""
	}
	prefix := strings.TrimRight(base, "/") + "/"
	if strings.HasPrefix(rawURL, prefix) {
		return strings.TrimPrefix(rawURL, prefix)
	}
	return ""
}
