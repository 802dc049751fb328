package sqlite

var RowsAffected = rowsAffected
