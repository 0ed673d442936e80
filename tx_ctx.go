package leadflow

import (
	"context"
)

type txKey struct{}

//nolint:ireturn // it's ok here
func TxFromContext(ctx context.Context) Tx {
	if tx, ok := ctx.Value(txKey{}).(Tx); ok {
		return tx
	}

	return nil
}

func contextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}
