// +build property

package property

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/syntor/taskmesh/pkg/agent"
	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/decision"
	"github.com/syntor/taskmesh/pkg/logging"
)

// History keeps one record per applied write, however many of them were
// superseded in the entries
func TestBlackboardHistoryCompleteness(t *testing.T) {
	properties := newProperties(t)

	properties.Property("history length equals writes issued", prop.ForAll(
		func(ops []int) bool {
			board := blackboard.New()
			issued := 0
			for i, op := range ops {
				writer := fmt.Sprintf("agent-%d", op%3)
				key := fmt.Sprintf("k%d", (op/3)%4)
				if op%2 == 0 {
					if _, err := board.Write(writer, key, i); err != nil {
						return false
					}
					issued++
					continue
				}
				wrote, err := board.Update(writer, key, agent.SetIfChanged(op%5))
				if err != nil {
					return false
				}
				if wrote {
					issued++
				}
			}

			history := board.History()
			if len(history) != issued || board.Written() != issued {
				return false
			}
			for i, rec := range history {
				if rec.Seq != i+1 {
					return false
				}
			}
			return board.Len() <= issued
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.Property("concurrent writers lose no history", prop.ForAll(
		func(writers int, perWriter int) bool {
			board := blackboard.New()
			var wg sync.WaitGroup
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						board.Write(fmt.Sprintf("agent-%d", w), "shared", i)
					}
				}(w)
			}
			wg.Wait()
			return len(board.History()) == writers*perWriter && board.Len() == 1
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// Once a round writes nothing, another round over the same board writes
// nothing either
func TestIdempotentConvergence(t *testing.T) {
	properties := newProperties(t)

	roles := []string{"researcher", "coder", "reviewer", "writer", "planner"}

	properties.Property("a quiet round stays quiet", prop.ForAll(
		func(team int, goal string) bool {
			ctx := context.Background()
			agents := make([]*agent.BlackboardAgent, 0, team)
			for i := 0; i < team; i++ {
				agents = append(agents, agent.NewBlackboardAgent(agent.BlackboardConfig{
					Name:    fmt.Sprintf("member-%d", i),
					Role:    roles[i%len(roles)],
					Decider: decision.NewRuleBased(),
					Logger:  logging.NewNopLogger(),
				}))
			}

			board := blackboard.New()
			round := func() (int, bool) {
				writes := 0
				for _, a := range agents {
					wrote, err := a.Contribute(ctx, board, "plan "+goal)
					if err != nil {
						return 0, false
					}
					if wrote {
						writes++
					}
				}
				return writes, true
			}

			quiet := false
			for i := 0; i < 10 && !quiet; i++ {
				writes, ok := round()
				if !ok {
					return false
				}
				quiet = writes == 0
			}
			if !quiet {
				return false
			}

			before := board.Written()
			writes, ok := round()
			return ok && writes == 0 && board.Written() == before
		},
		gen.IntRange(1, 8),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
