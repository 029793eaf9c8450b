package eventstore

// ClassifyForTest exposes classify to the external test package.
var ClassifyForTest = classify
