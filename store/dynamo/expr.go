package dynamo

import (
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ItemExistsCondition guards conditional writes against missing rows.
func ItemExistsCondition() string {
	return "attribute_exists(#id)"
}

// ItemAbsentCondition guards puts against overwriting an existing row.
func ItemAbsentCondition() string {
	return "attribute_not_exists(#id)"
}

// NotCounterFilter excludes the id sequence row from scans.
func NotCounterFilter() string {
	return "#id <> :counter"
}

// buildUpdateExpr renders SET and REMOVE clauses into one update expression.
func buildUpdateExpr(set, remove []string) string {
	var parts []string
	if len(set) > 0 {
		parts = append(parts, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		parts = append(parts, "REMOVE "+strings.Join(remove, ", "))
	}
	return strings.Join(parts, " ")
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
