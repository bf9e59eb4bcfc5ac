package transform

// Builtins selects and configures the transforms RegisterBuiltins adds.
type Builtins struct {
	Images           Limits
	RemoveBackground *RemoveBackground // nil leaves remove_background out
}

// RegisterBuiltins adds convert and watermark, and remove_background when configured.
func RegisterBuiltins(r *Registry, b Builtins) error {
	ds := []Descriptor{ConvertDescriptor(b.Images), WatermarkDescriptor(b.Images)}
	if b.RemoveBackground != nil {
		ds = append(ds, b.RemoveBackground.Descriptor())
	}
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
