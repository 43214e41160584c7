package referral

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxDepth bounds every upline walk and downline level breakdown.
const MaxDepth = 10

var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrUserExists       = errors.New("user already registered")
	ErrCycleDetected    = errors.New("referral cycle detected")
	ErrUplineAlreadySet = errors.New("upline already set")
)

// User is a participant of the referral forest.
type User struct {
	ID         string
	Wallet     string
	UplineID   string // empty for roots
	TelegramID int64
}

const noParent = -1

type node struct {
	user     User
	parent   int
	children []int
}

// Graph is a referral forest stored as an arena of nodes with parent indices.
// Edges never form a cycle: every insertion walks the candidate parent's
// ancestry first.
type Graph struct {
	mu    sync.RWMutex
	nodes []node
	index map[string]int
}

func NewGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Add registers u. A non-empty u.UplineID must name a registered user.
func (g *Graph) Add(u User) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if u.ID == "" {
		return errors.Wrap(ErrUnknownUser, "empty user id")
	}
	if _, ok := g.index[u.ID]; ok {
		return errors.Wrapf(ErrUserExists, "user %s", u.ID)
	}
	parent := noParent
	if u.UplineID != "" {
		p, ok := g.index[u.UplineID]
		if !ok {
			return errors.Wrapf(ErrUnknownUser, "upline %s", u.UplineID)
		}
		parent = p
	}

	idx := len(g.nodes)
	g.nodes = append(g.nodes, node{user: u, parent: parent})
	g.index[u.ID] = idx
	if parent != noParent {
		g.nodes[parent].children = append(g.nodes[parent].children, idx)
	}
	return nil
}

// Link attaches a root user to uplineID. It fails with ErrCycleDetected when
// userID already appears in the upline's ancestry (or is the upline itself).
func (g *Graph) Link(userID, uplineID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	child, parent, err := g.checkLink(userID, uplineID)
	if err != nil {
		return err
	}
	g.nodes[child].parent = parent
	g.nodes[child].user.UplineID = uplineID
	g.nodes[parent].children = append(g.nodes[parent].children, child)
	return nil
}

// CheckLink reports the error Link would return without changing the graph.
func (g *Graph) CheckLink(userID, uplineID string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, _, err := g.checkLink(userID, uplineID)
	return err
}

func (g *Graph) checkLink(userID, uplineID string) (int, int, error) {
	child, ok := g.index[userID]
	if !ok {
		return 0, 0, errors.Wrapf(ErrUnknownUser, "user %s", userID)
	}
	parent, ok := g.index[uplineID]
	if !ok {
		return 0, 0, errors.Wrapf(ErrUnknownUser, "upline %s", uplineID)
	}
	if g.nodes[child].parent != noParent {
		return 0, 0, errors.Wrapf(ErrUplineAlreadySet, "user %s", userID)
	}
	for cur := parent; cur != noParent; cur = g.nodes[cur].parent {
		if cur == child {
			return 0, 0, errors.Wrapf(ErrCycleDetected, "%s -> %s", userID, uplineID)
		}
	}
	return child, parent, nil
}

// User returns the registered user with the given id.
func (g *Graph) User(id string) (User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[id]
	if !ok {
		return User{}, false
	}
	return g.nodes[idx].user, true
}

// Len returns the number of registered users.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// UplineChain returns ancestors of userID nearest first, at most
// min(maxDepth, MaxDepth) long. An unknown user has no chain.
func (g *Graph) UplineChain(userID string, maxDepth int) []string {
	if maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[userID]
	if !ok || maxDepth <= 0 {
		return nil
	}
	var chain []string
	for cur := g.nodes[idx].parent; cur != noParent && len(chain) < maxDepth; cur = g.nodes[cur].parent {
		chain = append(chain, g.nodes[cur].user.ID)
	}
	return chain
}

// DirectDownlines returns the ids of users whose upline is userID in
// registration order.
func (g *Graph) DirectDownlines(userID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[idx].children))
	for _, c := range g.nodes[idx].children {
		out = append(out, g.nodes[c].user.ID)
	}
	return out
}

// DownlineCounts returns the number of downline members at each generation,
// index 0 being direct referrals, down to MaxDepth generations.
func (g *Graph) DownlineCounts(userID string) [MaxDepth]int {
	var counts [MaxDepth]int

	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[userID]
	if !ok {
		return counts
	}
	level := g.nodes[idx].children
	for depth := 0; depth < MaxDepth && len(level) > 0; depth++ {
		counts[depth] = len(level)
		var next []int
		for _, c := range level {
			next = append(next, g.nodes[c].children...)
		}
		level = next
	}
	return counts
}
