package zone

// COCO keypoint indices used to place a person.
const (
	KeypointNose          = 0
	KeypointLeftShoulder  = 5
	KeypointRightShoulder = 6
	KeypointLeftHip       = 11
	KeypointRightHip      = 12

	KeypointCount = 17
)

// Box is a tracker bounding box in center/size form.
type Box struct {
	CX, CY, W, H float64
}

func visible(kp [2]float64) bool {
	return kp[0] > 0 && kp[1] > 0
}

// ReferencePoint picks the point used for zone classification.
// Priority: box center, nose, mean of visible shoulders and hips, center of the
// visible keypoint bounds. Nothing visible yields an invalid point.
func ReferencePoint(keypoints [][2]float64, box *Box) Point {
	if box != nil && box.CX > 0 && box.CY > 0 {
		return At(box.CX, box.CY)
	}

	if len(keypoints) > KeypointNose && visible(keypoints[KeypointNose]) {
		return At(keypoints[KeypointNose][0], keypoints[KeypointNose][1])
	}

	var sx, sy float64
	n := 0
	for _, i := range []int{KeypointLeftShoulder, KeypointRightShoulder, KeypointLeftHip, KeypointRightHip} {
		if i < len(keypoints) && visible(keypoints[i]) {
			sx += keypoints[i][0]
			sy += keypoints[i][1]
			n++
		}
	}
	if n > 0 {
		return At(sx/float64(n), sy/float64(n))
	}

	if minX, minY, maxX, maxY, ok := VisibleBounds(keypoints); ok {
		return At((minX+maxX)/2, (minY+maxY)/2)
	}
	return Point{}
}

// VisibleBounds returns the bounding rectangle of the visible keypoints.
func VisibleBounds(keypoints [][2]float64) (minX, minY, maxX, maxY float64, ok bool) {
	for _, kp := range keypoints {
		if !visible(kp) {
			continue
		}
		if !ok {
			minX, minY, maxX, maxY = kp[0], kp[1], kp[0], kp[1]
			ok = true
			continue
		}
		minX = min(minX, kp[0])
		minY = min(minY, kp[1])
		maxX = max(maxX, kp[0])
		maxY = max(maxY, kp[1])
	}
	return minX, minY, maxX, maxY, ok
}

// boxPadding is added on each side of the visible keypoint bounds before sizing.
const boxPadding = 10

// Passenger types.
const (
	TypeAdult = "Adult"
	TypeChild = "Child"
)

// ClassifyPassenger labels a person by the padded height of the visible keypoints.
func ClassifyPassenger(keypoints [][2]float64, childHeightPx int) string {
	_, minY, _, maxY, ok := VisibleBounds(keypoints)
	if !ok {
		return TypeAdult
	}
	height := (maxY + boxPadding) - (minY - boxPadding)
	if height < float64(childHeightPx) {
		return TypeChild
	}
	return TypeAdult
}
