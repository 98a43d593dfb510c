package policy

import "errors"

var ErrCommandDenied = errors.New("command denied by security policy")
