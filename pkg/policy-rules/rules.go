package policyrules

import (
	"net/http"
	"strings"

	"github.com/always-cache/appcache/strategy"
)

// Rules override the policy otherwise selected for a request.
// The first matching rule wins.
type Rules []Rule

type Rule struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Query  map[string]string `yaml:"query"`
	Policy strategy.Policy   `yaml:"policy"`
}

// Policy returns the policy of the first rule matching the request.
// The second return value is false if no rule matches.
func (r Rules) Policy(req *http.Request) (strategy.Policy, bool) {
	if rule := r.find(req); rule != nil {
		return rule.Policy, true
	}
	return "", false
}

func (r Rules) find(req *http.Request) *Rule {
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
