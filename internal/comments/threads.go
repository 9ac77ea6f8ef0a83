package comments

import (
	"sort"
)

// GroupThreads arranges comments into reply chains. Each chain starts at a
// comment without a resolvable replyTo and carries every transitive reply,
// ordered by creation time with the root first. Chains are ordered by the
// creation time of their root.
func GroupThreads(comments []Comment) [][]Comment {
	byID := make(map[string]Comment, len(comments))
	for _, comment := range comments {
		byID[comment.ID] = comment
	}

	rootOf := func(comment Comment) string {
		visited := map[string]struct{}{comment.ID: {}}
		current := comment
		for current.ReplyTo != "" {
			parent, ok := byID[current.ReplyTo]
			if !ok {
				break
			}
			if _, seen := visited[parent.ID]; seen {
				break
			}
			visited[parent.ID] = struct{}{}
			current = parent
		}
		return current.ID
	}

	chains := make(map[string][]Comment)
	for _, comment := range comments {
		root := rootOf(comment)
		chains[root] = append(chains[root], comment)
	}

	rootIDs := make([]string, 0, len(chains))
	for rootID, chain := range chains {
		sortChain(rootID, chain)
		rootIDs = append(rootIDs, rootID)
	}
	sort.Slice(rootIDs, func(i, j int) bool {
		left, right := byID[rootIDs[i]], byID[rootIDs[j]]
		if left.CreatedAt.Equal(right.CreatedAt) {
			return left.ID < right.ID
		}
		return left.CreatedAt.Before(right.CreatedAt)
	})

	grouped := make([][]Comment, 0, len(rootIDs))
	for _, rootID := range rootIDs {
		grouped = append(grouped, chains[rootID])
	}
	return grouped
}

// threadComments returns the chain rooted at rootID, or nil when the root is absent.
func threadComments(comments []Comment, rootID string) []Comment {
	if rootID == "" {
		return nil
	}
	for _, chain := range GroupThreads(comments) {
		if len(chain) > 0 && chain[0].ID == rootID {
			return chain
		}
	}
	return nil
}

func sortChain(rootID string, chain []Comment) {
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].ID == rootID {
			return chain[j].ID != rootID
		}
		if chain[j].ID == rootID {
			return false
		}
		if chain[i].CreatedAt.Equal(chain[j].CreatedAt) {
			return chain[i].ID < chain[j].ID
		}
		return chain[i].CreatedAt.Before(chain[j].CreatedAt)
	})
}

func sortByCreation(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].ID < comments[j].ID
		}
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}

func sortThreadRecords(records []threadRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
