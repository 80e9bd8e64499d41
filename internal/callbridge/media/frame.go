package media

// Frame is a decoded or preview video frame in I420 layout.
type Frame struct {
	Planes    [3][]byte // Y, U, V
	Stride    [3]int
	Width     int
	Height    int
	Timestamp int64 // nanoseconds
}

// NewI420Frame allocates an empty frame of the given size.
func NewI420Frame(width, height int) *Frame {
	cw, ch := (width+1)/2, (height+1)/2
	return &Frame{
		Planes: [3][]byte{
			make([]byte, width*height),
			make([]byte, cw*ch),
			make([]byte, cw*ch),
		},
		Stride: [3]int{width, cw, cw},
		Width:  width,
		Height: height,
	}
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := &Frame{
		Stride:    f.Stride,
		Width:     f.Width,
		Height:    f.Height,
		Timestamp: f.Timestamp,
	}
	for i, plane := range f.Planes {
		if plane != nil {
			c.Planes[i] = make([]byte, len(plane))
			copy(c.Planes[i], plane)
		}
	}
	return c
}

// Size returns the total number of plane bytes.
func (f *Frame) Size() int {
	return len(f.Planes[0]) + len(f.Planes[1]) + len(f.Planes[2])
}
