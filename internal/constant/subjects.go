package constant

import "fmt"

const (
	ProductionEnvironment = "production"

	ContractsListSubject       = "md.contracts.list"
	SubscribeBulkSubject       = "md.subscribe.bulk"
	SubscriptionsActiveSubject = "md.subscriptions.active"
	HealthCheckSubject         = "health.check"

	TickStreamSubjectPrefix = "market.tick"
)

// GetTickStreamSubject builds the publish-only tick subject
// market.tick.{exchange}.{symbol}.
func GetTickStreamSubject(exchange, symbol string) string {
	return fmt.Sprintf("%s.%s.%s", TickStreamSubjectPrefix, exchange, symbol)
}
