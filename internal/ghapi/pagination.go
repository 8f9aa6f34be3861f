package ghapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// lastPage extracts the page number of the rel="last" target of a Link header.
// An empty header, or one without a last relation, means a single page.
func lastPage(link string) (int, error) {
	if strings.TrimSpace(link) == "" {
		return 1, nil
	}

	for _, part := range strings.Split(link, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}

		isLast := false
		for _, param := range segments[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="last"` || param == "rel=last" {
				isLast = true
				break
			}
		}
		if !isLast {
			continue
		}

		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			return 0, fmt.Errorf("malformed link target %q", target)
		}
		u, err := url.Parse(target[1 : len(target)-1])
		if err != nil {
			return 0, fmt.Errorf("malformed link url: %w", err)
		}
		page, err := strconv.Atoi(u.Query().Get("page"))
		if err != nil || page < 1 {
			return 0, fmt.Errorf("malformed last page in %q", u.String())
		}
		return page, nil
	}

	return 1, nil
}
