package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	User struct {
		ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
		Name         string             `bson:"name" json:"username"`
		PasswordHash []byte             `bson:"password_hash" json:"-"`
		CreatedAt    time.Time          `bson:"created_at" json:"createdAt"`
	}
)
