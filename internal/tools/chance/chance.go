// Package chance implements the MCP tool server shipped alongside voxgate.
// It gives sessions genuine randomness, which the model cannot produce on
// its own: dice expressions, coin flips and uniform picks.
//
// The voxgate-tools binary hosts this server over stdio, so a proxy config
// can attach it with:
//
//	mcp_servers:
//	  - name: chance
//	    transport: stdio
//	    command: voxgate-tools
//
// All handlers are safe for concurrent use. Randomness uses [math/rand/v2]
// with the per-process automatically-seeded source.
package chance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Roll bounds. A model-driven caller can ask for anything, so expressions
// are capped before they allocate.
const (
	maxDice  = 100
	maxSides = 10000
)

// maxFlips bounds one flip_coin call.
const maxFlips = 100

// NewServer builds the MCP server with every chance tool registered. The
// caller picks the transport to run it on.
func NewServer() *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "voxgate-tools",
		Version: "0.1.0",
	}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "roll_dice",
		Description: "Roll dice written in standard notation such as 2d6+3, 1d20 or 4d8-1. Returns each individual die and the total.",
	}, handleRollDice)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "flip_coin",
		Description: "Flip one or more fair coins. Returns each flip and the heads/tails tally.",
	}, handleFlipCoin)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "pick_random",
		Description: "Pick one option uniformly at random from a provided list. Useful when the user asks to choose for them.",
	}, handlePickRandom)

	return server
}

type rollDiceArgs struct {
	Expression string `json:"expression" jsonschema:"Dice expression to evaluate, e.g. 2d6+3, 1d20, 4d8-1"`
}

type rollDiceResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier,omitempty"`
	Total      int    `json:"total"`
}

func handleRollDice(_ context.Context, _ *mcpsdk.CallToolRequest, args rollDiceArgs) (*mcpsdk.CallToolResult, any, error) {
	count, sides, modifier, err := parseExpression(args.Expression)
	if err != nil {
		return nil, nil, err
	}

	rolls := make([]int, count)
	total := modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}
	return textResult(rollDiceResult{
		Expression: args.Expression,
		Rolls:      rolls,
		Modifier:   modifier,
		Total:      total,
	})
}

type flipCoinArgs struct {
	Count int `json:"count,omitempty" jsonschema:"Number of coins to flip, defaults to 1"`
}

type flipCoinResult struct {
	Flips []string `json:"flips"`
	Heads int      `json:"heads"`
	Tails int      `json:"tails"`
}

func handleFlipCoin(_ context.Context, _ *mcpsdk.CallToolRequest, args flipCoinArgs) (*mcpsdk.CallToolResult, any, error) {
	count := args.Count
	if count == 0 {
		count = 1
	}
	if count < 1 || count > maxFlips {
		return nil, nil, fmt.Errorf("count must be between 1 and %d, got %d", maxFlips, count)
	}

	res := flipCoinResult{Flips: make([]string, count)}
	for i := range count {
		if rand.IntN(2) == 0 {
			res.Flips[i] = "heads"
			res.Heads++
		} else {
			res.Flips[i] = "tails"
			res.Tails++
		}
	}
	return textResult(res)
}

type pickRandomArgs struct {
	Options []string `json:"options" jsonschema:"Options to choose from, at least one"`
}

type pickRandomResult struct {
	Choice string `json:"choice"`
	Index  int    `json:"index"`
}

func handlePickRandom(_ context.Context, _ *mcpsdk.CallToolRequest, args pickRandomArgs) (*mcpsdk.CallToolResult, any, error) {
	if len(args.Options) == 0 {
		return nil, nil, fmt.Errorf("options must contain at least one entry")
	}
	i := rand.IntN(len(args.Options))
	return textResult(pickRandomResult{Choice: args.Options[i], Index: i})
}

// parseExpression parses dice notation of the form NdS, NdS+M or NdS-M.
// N defaults to 1 when omitted. Bounds: 1 ≤ N ≤ maxDice, 1 ≤ S ≤ maxSides.
// M may be any integer, including negative via the -M form.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	s := strings.ToLower(strings.TrimSpace(expr))

	countStr, rest, found := strings.Cut(s, "d")
	if !found {
		return 0, 0, 0, fmt.Errorf("invalid dice expression %q: missing 'd'", expr)
	}

	count = 1
	if countStr != "" {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid dice count %q in %q", countStr, expr)
		}
	}
	if count < 1 || count > maxDice {
		return 0, 0, 0, fmt.Errorf("dice count must be between 1 and %d, got %d", maxDice, count)
	}

	sidesStr := rest
	modStr := ""
	hasMod := false
	negative := false
	if before, after, ok := strings.Cut(rest, "+"); ok {
		sidesStr, modStr, hasMod = before, after, true
	} else if before, after, ok := strings.Cut(rest, "-"); ok {
		sidesStr, modStr, hasMod = before, after, true
		negative = true
	}

	sides, err = strconv.Atoi(sidesStr)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid sides %q in %q", sidesStr, expr)
	}
	if sides < 1 || sides > maxSides {
		return 0, 0, 0, fmt.Errorf("sides must be between 1 and %d, got %d", maxSides, sides)
	}

	if hasMod {
		modifier, err = strconv.Atoi(modStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid modifier %q in %q", modStr, expr)
		}
		if negative {
			modifier = -modifier
		}
	}
	return count, sides, modifier, nil
}

// textResult marshals v and wraps it as the reply's single text content,
// the shape voxgate's executor forwards verbatim.
func textResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}
