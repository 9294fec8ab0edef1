package events

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePullRequestRef parses "owner/repo#123".
func ParsePullRequestRef(s string) (PullRequestRef, error) {
	repoPart, numPart, ok := strings.Cut(s, "#")
	if !ok {
		return PullRequestRef{}, fmt.Errorf("invalid pull request reference %q, expected owner/repo#number", s)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return PullRequestRef{}, fmt.Errorf("invalid repository in %q, expected owner/repo", s)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return PullRequestRef{}, fmt.Errorf("invalid pull request number in %q", s)
	}
	return PullRequestRef{Owner: owner, Repo: repo, Number: n}, nil
}
