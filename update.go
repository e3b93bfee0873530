package namedsql

import (
	"context"
	"time"
)

// Update is a prepared UPDATE, DELETE or other statement without result
// rows. It resets its bindings after every execution.
type Update struct {
	session
}

// Exec executes the statement and returns the number of affected rows.
func (u *Update) Exec(ctx context.Context) (int64, error) {
	switch u.state {
	case stateClosed:
		return 0, ErrSessionClosed
	case stateExecuted:
		return 0, ErrDirtySession
	}

	defer u.reset()

	start := time.Now()

	args, err := u.args()
	if err != nil {
		u.log(ctx, "update", start, nil, err)

		return 0, err
	}

	u.state = stateExecuted

	res, err := u.stmt.ExecContext(ctx, args...)

	u.log(ctx, "update", start, args, err)

	if err != nil {
		return 0, wrap("update", u.params, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("rows affected", u.params, err)
	}

	return n, nil
}
