package vectorfs

import (
	"fmt"

	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
	"github.com/shinkailabs/shinkai-node/pkg/shinkiname"
)

func pathNotFound(path Path) error {
	return shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodePathNotFound, path.String())
}

func permissionDenied(requester shinkiname.ShinkaiName, path Path) error {
	return shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidReaderPerm, fmt.Sprintf("%s lacks permission on %s", requester.String(), path.String()))
}
