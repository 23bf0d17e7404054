package consts

// PollerAdvisoryLockID is a unique integer used for a PostgreSQL advisory
// lock to ensure that only one mailgrove instance runs the poll scheduler
// at a time. A second instance pointed at the same database skips its
// cycles instead of double-processing mailboxes.
const PollerAdvisoryLockID = 58112341 // A randomly chosen integer
