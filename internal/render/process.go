package render

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/paul-chambers/templatefs/internal/configstore"
	"github.com/paul-chambers/templatefs/internal/fserrors"
)

// ProcessTemplate is the top-level render entry: it maps fd read-only,
// opens the configuration store rooted at the well-known configuration
// key, pre-populates the key-set, and drives the expansion engine over
// the mapped template bytes. It always unmaps on exit, even on failure,
// and always tears down the configuration-store handle before returning.
func ProcessTemplate(fd *os.File, configStorePath string) ([]byte, error) {
	info, err := fd.Stat()
	if err != nil {
		return nil, fserrors.New(fserrors.CodeMapFailed, "cannot stat template file").
			WithComponent("render").WithOperation("ProcessTemplate").WithCause(err)
	}

	size := info.Size()
	if size == 0 {
		// mmap of a zero-length file is invalid; an empty template
		// renders to empty output without engaging the engine.
		return []byte{}, nil
	}

	mapped, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		// The source this contract is grounded on never checked this
		// call's failure and returned success regardless; that is
		// called out as a likely bug in the design notes. This
		// implementation surfaces it.
		return nil, fserrors.New(fserrors.CodeMapFailed, "mmap of template file failed").
			WithComponent("render").WithOperation("ProcessTemplate").WithCause(err)
	}
	defer unix.Munmap(mapped)

	store, err := openConfigStore(configStorePath)
	if err != nil {
		return nil, err
	}

	ctx := NewContext(store)
	out, err := Render(string(mapped), ctx)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeBadValueKind, "template rendering failed").
			WithComponent("render").WithOperation("ProcessTemplate").WithCause(err)
	}
	return []byte(out), nil
}

// openConfigStore loads and pre-populates the key-set backing a render.
// Pre-population (simply loading the whole tree eagerly, rather than
// lazily resolving keys as the engine asks for them) is carried over
// from the source's empirical finding that lazy resolution produced
// spurious lookup errors for sibling keys touched during array
// iteration.
func openConfigStore(path string) (*configstore.KeySet, error) {
	store, err := configstore.Load(path)
	if err != nil {
		return nil, fserrors.New(fserrors.CodeConfigOpen, "failed to open configuration store").
			WithComponent("render").WithOperation("openConfigStore").
			WithCause(err).WithDetail("path", path)
	}
	return store, nil
}
