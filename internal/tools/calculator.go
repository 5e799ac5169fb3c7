package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/cchalm/researcher/internal/ai"
)

// maxCalculatorSteps bounds the work a single expression may do, e.g. a model-generated 10**10 loop
const maxCalculatorSteps = 100000

// CalculatorTool evaluates arithmetic expressions in a Starlark sandbox with the math module predeclared. Starlark has
// no I/O, so the model cannot reach outside the interpreter
type CalculatorTool struct{}

type CalculatorInput struct {
	Expression string `json:"expression"`
}

func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{}
}

func (t *CalculatorTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name: "calculator",
		Description: "Evaluate an arithmetic expression and return the result. Supports + - * / // % and parentheses, " +
			"and functions of the math module, e.g. math.sqrt(2), math.pow(2, 10), math.log(x, base).",
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The expression to evaluate, e.g. (3.5 + 4) * 2",
				},
			},
			Required: []string{"expression"},
		},
	}
}

func (t *CalculatorTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in CalculatorInput
	if err := parseInputJSON(input, &in); err != nil {
		return "", err
	}
	expr := strings.TrimSpace(in.Expression)
	if expr == "" {
		return "", NewToolInputError(fmt.Errorf("expression must not be empty"))
	}

	parsed, err := syntax.ParseExpr("expression", expr, 0)
	if err != nil {
		return "", NewToolInputError(err)
	}
	if err := checkArithmetic(parsed); err != nil {
		return "", NewToolInputError(err)
	}

	thread := &starlark.Thread{Name: "calculator"}
	thread.SetMaxExecutionSteps(maxCalculatorSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel("context canceled") })
	defer stop()

	env := starlark.StringDict{"math": math.Module}
	value, err := starlark.EvalExpr(thread, parsed, env)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Syntax and evaluation errors alike can be fixed by the model rewriting the expression
		return "", NewToolInputError(err)
	}

	switch value.(type) {
	case starlark.Int, starlark.Float:
		return value.String(), nil
	default:
		return "", NewToolInputError(fmt.Errorf("expression evaluated to %s, not a number", value.Type()))
	}
}

// checkArithmetic rejects everything but numbers, operators and calls into the math module. Step limits do not bound
// allocation, so strings, collections and the other builtins are refused before evaluation
func checkArithmetic(expr syntax.Expr) error {
	var err error
	syntax.Walk(expr, func(n syntax.Node) bool {
		if err != nil {
			return false
		}
		switch n := n.(type) {
		case nil, *syntax.ParenExpr, *syntax.UnaryExpr, *syntax.BinaryExpr, *syntax.CallExpr:
			return true
		case *syntax.Literal:
			if n.Token != syntax.INT && n.Token != syntax.FLOAT {
				err = fmt.Errorf("only numeric literals are allowed, got %s", n.Raw)
			}
		case *syntax.DotExpr:
			if x, ok := n.X.(*syntax.Ident); !ok || x.Name != "math" {
				err = fmt.Errorf("only math module attributes are allowed, got .%s", n.Name.Name)
			}
		case *syntax.Ident:
			err = fmt.Errorf("unknown name %q, use math.%s for math functions", n.Name, n.Name)
		default:
			start, _ := n.Span()
			err = fmt.Errorf("unsupported syntax at column %d", start.Col)
		}
		return false
	})
	return err
}
