package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/Knetic/govaluate"
	"github.com/relayhq/relay/internal/mcp"
)

// CalculatorArgs are the arguments to calculator.
type CalculatorArgs struct {
	Expression string `json:"expression"`
}

// NewCalculatorTool builds the calculator tool definition.
func NewCalculatorTool() mcp.Tool {
	return mcp.Tool{
		Name:        "calculator",
		Description: `Evaluate a mathematical expression. Supports the usual arithmetic operators and the functions sqrt, pow, sin, cos, tan, log (base 10), ln, abs, ceil, floor, round.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "description": "Expression to evaluate, e.g. \"2 * (3 + 4) + sqrt(16)\""}
			},
			"required": ["expression"]
		}`),
	}
}

// calculatorFunctions are the math functions available inside expressions.
var calculatorFunctions = map[string]govaluate.ExpressionFunction{
	"sqrt":  unaryFloat(math.Sqrt),
	"sin":   unaryFloat(math.Sin),
	"cos":   unaryFloat(math.Cos),
	"tan":   unaryFloat(math.Tan),
	"log":   unaryFloat(math.Log10),
	"ln":    unaryFloat(math.Log),
	"abs":   unaryFloat(math.Abs),
	"ceil":  unaryFloat(math.Ceil),
	"floor": unaryFloat(math.Floor),
	"round": unaryFloat(math.Round),
	"pow": func(args ...interface{}) (interface{}, error) {
		return math.Pow(args[0].(float64), args[1].(float64)), nil
	},
}

func unaryFloat(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		return f(args[0].(float64)), nil
	}
}

// MakeCalculatorHandler creates a handler for calculator.
func MakeCalculatorHandler() mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args CalculatorArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("invalid arguments: %v", err), nil
		}
		if args.Expression == "" {
			return toolError("expression is required"), nil
		}

		expr, err := govaluate.NewEvaluableExpressionWithFunctions(args.Expression, calculatorFunctions)
		if err != nil {
			return toolError("invalid expression: %v", err), nil
		}

		result, err := expr.Evaluate(nil)
		if err != nil {
			return toolError("evaluation failed: %v", err), nil
		}

		return toolText(formatCalcResult(result)), nil
	}
}

func formatCalcResult(result interface{}) string {
	switch v := result.(type) {
	case float64:
		if v == math.Trunc(v) && !math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'f', 0, 64)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
