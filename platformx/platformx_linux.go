package platformx

const canBindToDevice = true
