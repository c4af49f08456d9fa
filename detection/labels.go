package detection

// YOLOClasses is the 80-class COCO table in the order YOLO models emit class
// ids (no background class).
var YOLOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// Labels is an immutable class-id to name mapping.
//
// The zero value resolves nothing.
type Labels struct {
	names []string
}

// NewLabels builds a mapping where names[i] is the label for class id i.
// The slice is copied so later changes by the caller have no effect.
//
// Arguments:
//   - names: The class names indexed by class id.
//
// Returns:
//   - The immutable mapping.
func NewLabels(names []string) Labels {
	cp := make([]string, len(names))
	copy(cp, names)
	return Labels{names: cp}
}

// YOLOLabels returns the default 80-class mapping.
func YOLOLabels() Labels {
	return NewLabels(YOLOClasses)
}

// Lookup resolves a class id. Empty names count as unresolved.
func (l Labels) Lookup(id int) (string, bool) {
	if id < 0 || id >= len(l.names) || l.names[id] == "" {
		return "", false
	}
	return l.names[id], true
}

// Len returns the number of class ids covered by the mapping.
func (l Labels) Len() int {
	return len(l.names)
}
