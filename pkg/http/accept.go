package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// Error bodies luffyd can write.
const (
	contentJSON = "application/json"
	contentText = "text/plain"
)

var errorContentTypes = []string{contentJSON, contentText}

// errorContentType decides how an error is written for r. luffyctl
// and the portal ask for JSON so they can read the error's type and
// help; anything else gets text. With no Accept header the first
// offered type is used. Among the accepted types the highest q wins,
// then the earlier offer. It returns "" if nothing offered is
// accepted.
func errorContentType(r *http.Request, offered []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return offered[0]
	}

	var acceptable []header.AcceptSpec
	for _, spec := range specs {
		if rank(offered, spec.Value) >= 0 {
			acceptable = append(acceptable, spec)
		}
	}
	if len(acceptable) == 0 {
		return ""
	}
	sort.SliceStable(acceptable, func(i, j int) bool {
		a, b := acceptable[i], acceptable[j]
		if a.Q != b.Q {
			return a.Q > b.Q
		}
		return rank(offered, a.Value) < rank(offered, b.Value)
	})
	return acceptable[0].Value
}

// rank is the position of contentType among offered, or -1.
func rank(offered []string, contentType string) int {
	for i, o := range offered {
		if o == contentType {
			return i
		}
	}
	return -1
}
