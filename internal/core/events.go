package core

// PumpCode identifies one broker push notification class. The numeric
// values follow the manager interface contract.
type PumpCode int32

const (
	CodePumpingStarted PumpCode = iota
	CodePumpingStopped
	CodePing
	CodeSymbolsUpdated
	CodeGroupsUpdated
	CodeUsersUpdated
	CodeBidAskUpdated
	CodeTradesUpdated
	CodeMail
	CodeNews
	CodeRequests
	CodePlugins
	CodeActivation
	CodeMarginCall
)

func (c PumpCode) String() string {
	switch c {
	case CodePumpingStarted:
		return "pumping_started"
	case CodePumpingStopped:
		return "pumping_stopped"
	case CodePing:
		return "ping"
	case CodeSymbolsUpdated:
		return "symbols_updated"
	case CodeGroupsUpdated:
		return "groups_updated"
	case CodeUsersUpdated:
		return "users_updated"
	case CodeBidAskUpdated:
		return "bid_ask_updated"
	case CodeTradesUpdated:
		return "trades_updated"
	case CodeMail:
		return "mail"
	case CodeNews:
		return "news"
	case CodeRequests:
		return "requests"
	case CodePlugins:
		return "plugins"
	case CodeActivation:
		return "activation"
	case CodeMarginCall:
		return "margin_call"
	default:
		return "unknown"
	}
}

// Event is one decoded broker push notification. Exactly one of Quote and
// Trade is set for bid_ask_updated and trades_updated; all other codes
// travel with both nil and are observed for statistics only.
type Event struct {
	Code  PumpCode
	Quote *Quote
	Trade *Trade
}
