// Package tf models the robot's transform tree: named coordinate frames
// linked parent to child by rigid transforms that may change over time.
//
// Consumers depend on the Client interface. Buffer is the in-process
// implementation, fed by static transforms loaded at startup and by
// transform messages arriving from the sensor transport.
//
// Transform direction follows the usual robotics convention: the transform
// looked up for (target, source) expresses the pose of the source frame in
// the target frame, so it maps source coordinates into target coordinates.
package tf
