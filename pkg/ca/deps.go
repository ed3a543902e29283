package ca

import (
	"github.com/google/uuid"

	"github.com/cuemby/rpkid/pkg/signer"
)

// Deps are the daemon-wide collaborators a CA's State needs to turn a
// command into signed objects: the object signer, wrapping the key
// store. They are supplied once, at Processor construction time, the
// same way "now" is injected rather than looked up from a global.
type Deps struct {
	Signer *signer.Signer

	// RepositoryBaseURI is this daemon's own rsync publication root,
	// used to derive each resource class's SIA repository URI.
	RepositoryBaseURI string

	// NewID mints publication intent ids. Tests pin it; the default
	// draws a UUID.
	NewID func() string
}

func (d *Deps) newIntentID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func (d *Deps) classRepositoryURI(handle, class string) string {
	return d.RepositoryBaseURI + handle + "/" + class + "/"
}

func (d *Deps) classManifestURI(handle, class string, ki string) string {
	return d.classRepositoryURI(handle, class) + ki + ".mft"
}
