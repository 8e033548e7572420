package traffic

// Contains reports whether the centroid of box lies inside roi, bounds
// inclusive. Boxes with swapped corners are accepted as-is.
func Contains(box BBox, roi ROI) bool {
	cx, cy := box.Centroid()
	return roi.X1 <= cx && cx <= roi.X2 && roi.Y1 <= cy && cy <= roi.Y2
}
