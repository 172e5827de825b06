package proxy

import "strings"

func singleJoiningSlash(a, b string) string {
	var (
		aSlash = strings.HasSuffix(a, "/")
		bSlash = strings.HasPrefix(b, "/")
	)

	switch {
	case b == "":
		if a == "" {
			return "/"
		}

		return a
	case a == "":
		if bSlash {
			return b
		}

		return "/" + b
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}

	return a + b
}

func joinQuery(a, b string) string {
	if a == "" || b == "" {
		return a + b
	}

	return a + "&" + b
}
