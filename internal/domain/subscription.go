package domain

// FilterJoin combines the results of a subscription's filters.
type FilterJoin string

// Filter joins.
const (
	FilterJoinAnd FilterJoin = "AND"
	FilterJoinOr  FilterJoin = "OR"
	// FilterJoinNot matches only when every filter evaluates to false.
	FilterJoinNot FilterJoin = "NOT"
)

// IsValid checks if the join is known.
func (j FilterJoin) IsValid() bool {
	return j == FilterJoinAnd || j == FilterJoinOr || j == FilterJoinNot
}

// FilterOperator compares an observed payload value with a query value.
type FilterOperator string

// Filter operators.
const (
	OperatorEquals    FilterOperator = "EQUALS"
	OperatorNotEquals FilterOperator = "NEQUALS"
	OperatorOr        FilterOperator = "OR"
	OperatorMatches   FilterOperator = "MATCHES"
)

// FilterQuery is the right-hand side of a filter.
type FilterQuery struct {
	DataType string `json:"dataType"`
	Value    any    `json:"value"`
}

// SubscriptionFilter is a single predicate over a flattened payload.
// Field is a dot path and may contain "*" segments that match any array index.
type SubscriptionFilter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Query    FilterQuery    `json:"query"`
}

// Subscription registers a subscriber's interest in a distribution event.
type Subscription struct {
	ID             string               `json:"id"`
	EventID        string               `json:"eventId"`
	SubscriberID   string               `json:"subscriberId"`
	SubscriberKind RecipientKind        `json:"subscriberKind"`
	FilterJoin     FilterJoin           `json:"filterJoin"`
	Filters        []SubscriptionFilter `json:"filters"`
}
