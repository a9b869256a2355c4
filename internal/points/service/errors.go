package service

import "errors"

var errBalanceMissing = errors.New("points_balance_missing")
