package bytecode

import (
	"fmt"

	"github.com/chazu/ev3boot/pkg/image"
)

// Program collects procedures and packs them into a Bytecode Image.
type Program struct {
	file  string
	procs []image.Proc
}

// NewProgram starts an image whose backtraces name file.
func NewProgram(file string) *Program {
	return &Program{file: file}
}

// Add serializes chunk as procedure name.
func (p *Program) Add(name string, chunk *Chunk) error {
	if err := chunk.Verify(); err != nil {
		return fmt.Errorf("procedure %s: %w", name, err)
	}
	data, err := chunk.Serialize()
	if err != nil {
		return fmt.Errorf("procedure %s: %w", name, err)
	}
	p.procs = append(p.procs, image.Proc{Name: name, Chunk: data})
	return nil
}

// Image returns the container with entry as the procedure a load runs.
func (p *Program) Image(entry string) *image.Image {
	return &image.Image{
		Name:  p.file,
		Entry: entry,
		Procs: append([]image.Proc(nil), p.procs...),
	}
}

// Encode builds and serializes the image.
func (p *Program) Encode(entry string) ([]byte, error) {
	return image.Encode(p.Image(entry))
}
