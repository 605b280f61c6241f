package core

import "context"

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IQuoteSource exposes the dispatcher's last-value quote cache to readers.
type IQuoteSource interface {
	LatestQuote(symbol string) (*Quote, bool)
	SnapshotQuotes() map[string]*Quote
}

// IOrderClient performs broker transactions for approved signals.
type IOrderClient interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ModifyOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CloseOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
}

// IIdentityVerifier validates a bearer token and yields the account login
// it was minted for. Expired and malformed tokens map onto the apperrors
// token sentinels.
type IIdentityVerifier interface {
	Verify(token string) (int64, error)
}
