package daemon

import (
	"fmt"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/tenant"
)

func archivedError(id tenant.ID) error {
	return &luffyerr.Error{
		Type: luffyerr.Missing,
		Err:  fmt.Errorf("customer %q has been deleted", string(id)),
		Help: `Customer deleted

The customer ` + string(id) + ` has been deleted. Its provisioning
record and history are kept, and can still be read, but it has no
environments, pipeline or integrations any more.

To bring it back, create it again with the same name; provisioning
will start from the beginning.
`,
	}
}
