package schedule

import "github.com/almacen/mayordomo/internal/fault"

var (
	errMailNotConfigured   = fault.Permanent("mail delivery not configured")
	errEgressNotConfigured = fault.Permanent("egress not configured")
)
